package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/oshokin/dump-fetcher/internal/config"
)

// errSettingsExist is returned by Init when the file is already there.
var errSettingsExist = errors.New("settings file already exists, use --force to overwrite")

// Init writes default settings to opts.ConfigPath. Environment values are
// not copied into the file so that credentials stay in the dotenv file.
func Init(opts *Options, force bool) error {
	path := opts.ConfigPath
	if path == "" {
		path = config.DefaultConfigFilename
	}

	_, err := os.Stat(path)

	switch {
	case err == nil && !force:
		return fmt.Errorf("%s: %w", path, errSettingsExist)
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("check settings file: %w", err)
	}

	cfg := new(config.Config)
	if err = config.Save(path, cfg); err != nil {
		return err
	}

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	_, _ = fmt.Fprintf(out, "Settings written to %s with %d dataset(s)\n", path, len(cfg.Datasets))

	return nil
}
