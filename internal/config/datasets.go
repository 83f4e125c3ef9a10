package config

// Names of the built-in datasets.
const (
	DatasetMusicBrainz  = "musicbrainz"
	DatasetListenBrainz = "listenbrainz"
)

const (
	musicBrainzListing  = "https://data.metabrainz.org/pub/musicbrainz/data/json-dumps/"
	listenBrainzListing = "https://data.metabrainz.org/pub/musicbrainz/listenbrainz/fullexport/"
)

// DefaultDatasets returns the MusicBrainz JSON dump tables and the ListenBrainz
// full listens export.
func DefaultDatasets() []Dataset {
	return []Dataset{
		{
			Name:           DatasetMusicBrainz,
			ListingURL:     musicBrainzListing,
			VersionPattern: `[0-9]{8}-[0-9]{6}/`,
			Files: []string{
				"artist.tar.xz",
				"recording.tar.xz",
				"release.tar.xz",
				"release-group.tar.xz",
			},
			Manifest: "SHA256SUMS",
			Prefix:   "raw/musicbrainz/",
		},
		{
			Name:            DatasetListenBrainz,
			ListingURL:      listenBrainzListing,
			VersionPattern:  `listenbrainz-dump-[0-9]+-[0-9]+-full/`,
			Pattern:         `listenbrainz-listens-dump-[0-9]+-[0-9]+-full\.tar\.zst`,
			FallbackPattern: `listenbrainz-listens-dump-[0-9]+-[0-9]+\.tar\.zst`,
			Prefix:          "raw/listenbrainz/",
		},
	}
}
