package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/oshokin/dump-fetcher/internal/config"
)

// WorkerLogPath is where the worker script mirrors its console output.
const WorkerLogPath = "/var/log/user-data.log"

var (
	// errNoItems is returned when a script would transfer nothing.
	errNoItems = errors.New("worker script has no files to transfer")
	// errNoBucket is returned when a script has no destination.
	errNoBucket = errors.New("worker script needs a bucket")
)

// ScriptItem is one remote file the worker moves into storage.
type ScriptItem struct {
	// Name is the file name on the worker disk.
	Name string
	// URL is the source address.
	URL string
	// Key is the destination object key.
	Key string
}

// ScriptParams configures the rendered worker script.
type ScriptParams struct {
	// Bucket receives the artifacts.
	Bucket string
	// Region is passed to the storage CLI.
	Region string
	// WorkDir holds the files between download and upload.
	WorkDir string
	// Marker is echoed to the console when every file was uploaded.
	Marker string
	// FailureMarker is echoed to the console when any file failed.
	FailureMarker string
	// CompletionKey is the object written next to the marker.
	CompletionKey string
	// DownloadTimeout is the per-try network timeout.
	DownloadTimeout time.Duration
	// DownloadTries is the per-file retry budget.
	DownloadTries int
	// ShutdownWhenDone powers the worker off at the end.
	ShutdownWhenDone bool
	// Items are the files to move, in order.
	Items []ScriptItem
}

// workerScript downloads each file with resume and retries, uploads it
// immediately, deletes the local copy and prints the marker only if nothing failed.
var workerScript = template.Must(template.New("worker").Funcs(template.FuncMap{
	"quote":   shellQuote,
	"seconds": timeoutSeconds,
}).Parse(`#!/bin/bash
set -u

exec > >(tee -a {{ quote .LogPath }} > /dev/console) 2>&1

echo "Worker started: $(date -u)"

apt-get update -y
apt-get install -y wget awscli

BUCKET={{ quote .Bucket }}
REGION={{ quote .Region }}
WORKDIR={{ quote .WorkDir }}
FAILED=0

mkdir -p "$WORKDIR"
cd "$WORKDIR" || exit 1

transfer_file() {
    local name="$1" url="$2" key="$3"

    echo "Downloading $name"
    if ! wget -c -nv --timeout={{ seconds .DownloadTimeout }} --tries={{ .DownloadTries }} -O "$name" "$url"; then
        echo "Download failed: $name"
        FAILED=$((FAILED + 1))
        return
    fi

    echo "Downloaded $name ($(du -h "$name" | cut -f1))"

    if ! aws s3 cp "$name" "s3://$BUCKET/$key" --region "$REGION"; then
        echo "Upload failed: $name"
        FAILED=$((FAILED + 1))
        return
    fi

    rm -f "$name"
    echo "Uploaded $name to s3://$BUCKET/$key"
}
{{ range .Items }}
transfer_file {{ quote .Name }} {{ quote .URL }} {{ quote .Key }}
{{- end }}

echo "Worker finished: $(date -u)"

if [ "$FAILED" -eq 0 ]; then
    echo {{ quote .Marker }} > /tmp/download-status
    aws s3 cp /tmp/download-status "s3://$BUCKET/"{{ quote .CompletionKey }} --region "$REGION"
    echo {{ quote .Marker }}
else
    echo "Transfers failed: $FAILED"
    echo {{ quote .FailureMarker }}
fi
{{ if .ShutdownWhenDone }}
shutdown -h now
{{- end }}
`))

// RenderScript renders the worker startup script.
func RenderScript(params ScriptParams) (string, error) {
	if strings.TrimSpace(params.Bucket) == "" {
		return "", errNoBucket
	}

	if len(params.Items) == 0 {
		return "", errNoItems
	}

	if params.FailureMarker == "" {
		params.FailureMarker = config.DefaultFailureMarker
	}

	if params.DownloadTries <= 0 {
		params.DownloadTries = 1
	}

	var buf bytes.Buffer

	err := workerScript.Execute(&buf, struct {
		ScriptParams
		LogPath string
	}{
		ScriptParams: params,
		LogPath:      WorkerLogPath,
	})
	if err != nil {
		return "", fmt.Errorf("render worker script: %w", err)
	}

	return buf.String(), nil
}

// shellQuote wraps s in single quotes for bash.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
