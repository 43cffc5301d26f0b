package browser

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/scenecast/relay/pkg/config"
)

var ErrBadURL = errors.New("bad target url")

// PageURL checks the target URL requested by a viewer and returns
// the page to open. With the viewer URL set, the target goes into
// its query param, otherwise the target is opened as is.
func PageURL(conf config.Browser, target string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("%w: empty", ErrBadURL)
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrBadURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: no host", ErrBadURL)
	}
	if !hostAllowed(conf.AllowedHosts, u.Hostname()) {
		return "", fmt.Errorf("%w: host %v is not allowed", ErrBadURL, u.Hostname())
	}
	if conf.ViewerURL == "" {
		return u.String(), nil
	}

	viewer, err := url.Parse(conf.ViewerURL)
	if err != nil {
		return "", err
	}
	param := conf.TargetParam
	if param == "" {
		param = "pointcloudURL"
	}
	q := viewer.Query()
	q.Set(param, target)
	viewer.RawQuery = q.Encode()
	return viewer.String(), nil
}

func hostAllowed(hosts []string, host string) bool {
	if len(hosts) == 0 {
		return true
	}
	for _, h := range hosts {
		if strings.EqualFold(h, host) {
			return true
		}
		// *.example.com
		if strings.HasPrefix(h, "*.") && strings.HasSuffix(strings.ToLower(host), strings.ToLower(h[1:])) {
			return true
		}
	}
	return false
}
