package rainmachine

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sprinkler/rainmachine-weewx/internal/weather"
)

// Ports implied by the protocol choice.
const (
	PortHTTPS = 8080
	PortHTTP  = 8081
)

const dataPath = "/api/4/parser/data"

var (
	// ErrBadStatus is returned for non-2xx HTTP responses.
	ErrBadStatus = errors.New("rainmachine: unexpected http status")
	// ErrRejected is returned when the controller answers 2xx but reports a
	// non-zero statusCode in its response body.
	ErrRejected = errors.New("rainmachine: data rejected")
)

// Destination is one RainMachine controller.
type Destination struct {
	IP       string
	Token    string
	Protocol string // "https" or "http"
	Table    Table
}

// Port returns the port implied by Protocol.
func (d Destination) Port() int {
	if d.Protocol == "http" {
		return PortHTTP
	}
	return PortHTTPS
}

func (d Destination) scheme() string {
	if d.Protocol == "http" {
		return "http"
	}
	return "https"
}

// URL returns the ingestion endpoint including the access token.
func (d Destination) URL() string {
	u := url.URL{
		Scheme:   d.scheme(),
		Host:     net.JoinHostPort(d.IP, strconv.Itoa(d.Port())),
		Path:     dataPath,
		RawQuery: url.Values{"access_token": {d.Token}}.Encode(),
	}
	return u.String()
}

// Redacted returns the endpoint without the token, for logging.
func (d Destination) Redacted() string {
	return fmt.Sprintf("%s://%s%s", d.scheme(), net.JoinHostPort(d.IP, strconv.Itoa(d.Port())), dataPath)
}

// Build encodes rec as a request body.
func (d Destination) Build(rec weather.Record) ([]byte, string, error) {
	table := d.Table
	if table == nil {
		table = DefaultTable
	}
	body, err := Encode(rec, table)
	if err != nil {
		return nil, "", err
	}
	return body, ContentType, nil
}

// apiResponse is the controller's standard reply envelope.
type apiResponse struct {
	StatusCode *int   `json:"statusCode"`
	Message    string `json:"message"`
}

// Check classifies a response. Any 2xx is accepted unless the body is the
// controller's JSON envelope with a non-zero statusCode.
func (d Destination) Check(status int, body []byte) error {
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: %d", ErrBadStatus, status)
	}
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.StatusCode == nil {
		return nil
	}
	if *resp.StatusCode != 0 {
		return fmt.Errorf("%w: statusCode=%d message=%q", ErrRejected, *resp.StatusCode, resp.Message)
	}
	return nil
}
