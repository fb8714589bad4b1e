package providers

import "strings"

// parseDataURL splits a data: URI into its media type and base64 payload.
// Only base64-encoded data URIs are supported; anything else returns false.
func parseDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	if !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		mediaType = "image/jpeg"
	}
	return mediaType, payload, true
}
