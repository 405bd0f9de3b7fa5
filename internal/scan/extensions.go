// SPDX-License-Identifier: MIT

package scan

// Extension sets per media type. Lookups are by lowercased suffix.
var (
	tvExtensions = map[string]struct{}{
		".mkv": {}, ".mp4": {}, ".avi": {}, ".m4v": {}, ".ts": {},
		".mpg": {}, ".mpeg": {}, ".wmv": {}, ".flv": {}, ".webm": {},
	}

	movieExtensions = map[string]struct{}{
		".mkv": {}, ".mp4": {}, ".avi": {}, ".m4v": {}, ".iso": {},
		".img": {}, ".mpg": {}, ".mpeg": {}, ".wmv": {}, ".flv": {},
		".webm": {}, ".ts": {},
	}

	musicExtensions = map[string]struct{}{
		".mp3": {}, ".flac": {}, ".m4a": {}, ".aac": {}, ".ogg": {},
		".opus": {}, ".wav": {}, ".wma": {}, ".ape": {}, ".alac": {},
	}
)

func extensionsFor(mediaType MediaType) map[string]struct{} {
	switch mediaType {
	case MediaTypeTV:
		return tvExtensions
	case MediaTypeMovie:
		return movieExtensions
	case MediaTypeMusic:
		return musicExtensions
	}
	return nil
}
