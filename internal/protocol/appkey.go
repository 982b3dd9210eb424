package protocol

import (
	"net/url"

	"github.com/rtmbroker/rtmbroker/internal/domain"
)

// ParseAppKey extracts the single "appkey" query parameter from a request
// path/URL, per the "/v2?appkey=..." transport convention. It returns false
// if appkey is absent or repeated.
func ParseAppKey(rawURL string) (domain.AppKey, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	values, ok := parsed.Query()["appkey"]
	if !ok || len(values) != 1 || values[0] == "" {
		return "", false
	}
	return domain.AppKey(values[0]), true
}
