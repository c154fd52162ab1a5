package caldav

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/beevik/etree"
)

const (
	nsDAV    = "DAV:"
	nsCalDAV = "urn:ietf:params:xml:ns:caldav"
	nsApple  = "http://apple.com/ns/ical/"
)

// basicAuthTransport adds Basic Auth to every outgoing request.
type basicAuthTransport struct {
	username string
	password string
	next     http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	return t.next.RoundTrip(req)
}

// client wraps an http.Client with the WebDAV verbs the adapter needs.
type client struct {
	http    *http.Client
	baseURL *url.URL
	logger  *slog.Logger
}

func newClient(baseURL, username, password string, hc *http.Client, logger *slog.Logger) (*client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid CalDAV base URL %q", baseURL)
	}

	transport := hc.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	wrapped := &http.Client{
		Transport: &basicAuthTransport{username: username, password: password, next: transport},
		Timeout:   hc.Timeout,
	}
	return &client{http: wrapped, baseURL: u, logger: logger}, nil
}

func (c *client) resolve(ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return c.baseURL.ResolveReference(refURL).String()
}

// resource is one parsed multistatus response entry.
type resource struct {
	Href         string
	IsCalendar   bool
	DisplayName  string
	Color        string
	ETag         string
	CalendarData string
	HomeSet      string
}

// do executes a WebDAV request and returns the response with its body read.
func (c *client) do(ctx context.Context, method, target string, depth string, body []byte, contentType string) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(target), reader)
	if err != nil {
		return nil, nil, err
	}
	if depth != "" {
		req.Header.Set("Depth", depth)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s response: %w", method, err)
	}

	c.logger.Debug("caldav request complete",
		"method", method, "target", target, "status", resp.StatusCode, "bytes", len(respBody))
	return resp, respBody, nil
}

// propfind performs a PROPFIND and parses the multistatus response.
func (c *client) propfind(ctx context.Context, target string, depth int, props ...string) (*http.Response, []resource, error) {
	body := buildPropfindBody(props...)
	resp, respBody, err := c.do(ctx, "PROPFIND", target, fmt.Sprintf("%d", depth), body, "application/xml; charset=utf-8")
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusMultiStatus {
		return resp, nil, nil
	}
	resources, err := parseMultistatus(respBody)
	if err != nil {
		return resp, nil, err
	}
	return resp, resources, nil
}

// report performs a CalDAV calendar-query REPORT bounded by [start, end).
func (c *client) report(ctx context.Context, target string, start, end time.Time) (*http.Response, []resource, error) {
	body := buildCalendarQueryBody(start, end)
	resp, respBody, err := c.do(ctx, "REPORT", target, "1", body, "application/xml; charset=utf-8")
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusMultiStatus {
		return resp, nil, nil
	}
	resources, err := parseMultistatus(respBody)
	if err != nil {
		return resp, nil, err
	}
	return resp, resources, nil
}

// put writes an iCalendar document. A non-empty etag turns the write into a
// conditional update.
func (c *client) put(ctx context.Context, target, etag string, data []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.resolve(target), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp, nil
}

func (c *client) delete(ctx context.Context, target, etag string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.resolve(target), nil)
	if err != nil {
		return nil, err
	}
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp, nil
}

func (c *client) options(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, c.resolve(target), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp, nil
}

func buildPropfindBody(props ...string) []byte {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	propfind := doc.CreateElement("d:propfind")
	propfind.CreateAttr("xmlns:d", nsDAV)
	propfind.CreateAttr("xmlns:c", nsCalDAV)
	propfind.CreateAttr("xmlns:a", nsApple)

	prop := propfind.CreateElement("d:prop")
	for _, name := range props {
		switch name {
		case "resourcetype", "displayname", "getetag", "current-user-principal":
			prop.CreateElement("d:" + name)
		case "calendar-home-set":
			prop.CreateElement("c:" + name)
		case "calendar-color":
			prop.CreateElement("a:" + name)
		}
	}

	out, _ := doc.WriteToBytes()
	return out
}

func buildCalendarQueryBody(start, end time.Time) []byte {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	query := doc.CreateElement("c:calendar-query")
	query.CreateAttr("xmlns:d", nsDAV)
	query.CreateAttr("xmlns:c", nsCalDAV)

	prop := query.CreateElement("d:prop")
	prop.CreateElement("d:getetag")
	prop.CreateElement("c:calendar-data")

	filter := query.CreateElement("c:filter")
	vcal := filter.CreateElement("c:comp-filter")
	vcal.CreateAttr("name", "VCALENDAR")
	vevent := vcal.CreateElement("c:comp-filter")
	vevent.CreateAttr("name", "VEVENT")
	tr := vevent.CreateElement("c:time-range")
	tr.CreateAttr("start", start.UTC().Format(basicUTCFormat))
	tr.CreateAttr("end", end.UTC().Format(basicUTCFormat))

	out, _ := doc.WriteToBytes()
	return out
}

// parseMultistatus walks a multistatus document matching elements by local
// name, so servers with unusual namespace prefixes (or nested defaults)
// parse identically.
func parseMultistatus(body []byte) ([]resource, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("parsing multistatus response: %w", err)
	}

	root := doc.Root()
	if root == nil || !strings.EqualFold(root.Tag, "multistatus") {
		return nil, fmt.Errorf("unexpected multistatus root element %q", rootTag(root))
	}

	var resources []resource
	for _, respEl := range childrenByTag(root, "response") {
		res := resource{}
		if href := firstByTag(respEl, "href"); href != nil {
			res.Href = strings.TrimSpace(href.Text())
		}

		for _, propstat := range childrenByTag(respEl, "propstat") {
			status := ""
			if st := firstByTag(propstat, "status"); st != nil {
				status = st.Text()
			}
			if !strings.Contains(status, "200") {
				continue
			}
			prop := firstByTag(propstat, "prop")
			if prop == nil {
				continue
			}

			if rt := firstByTag(prop, "resourcetype"); rt != nil {
				res.IsCalendar = firstByTag(rt, "calendar") != nil
			}
			if dn := firstByTag(prop, "displayname"); dn != nil {
				res.DisplayName = strings.TrimSpace(dn.Text())
			}
			if color := firstByTag(prop, "calendar-color"); color != nil {
				res.Color = strings.TrimSpace(color.Text())
			}
			if etag := firstByTag(prop, "getetag"); etag != nil {
				res.ETag = strings.TrimSpace(etag.Text())
			}
			if cd := firstByTag(prop, "calendar-data"); cd != nil {
				res.CalendarData = cd.Text()
			}
			if home := firstByTag(prop, "calendar-home-set"); home != nil {
				if href := firstByTag(home, "href"); href != nil {
					res.HomeSet = strings.TrimSpace(href.Text())
				}
			}
		}

		if res.DisplayName == "" && res.Href != "" {
			res.DisplayName = nameFromPath(res.Href)
		}
		resources = append(resources, res)
	}
	return resources, nil
}

// childrenByTag returns direct children matching the local tag name,
// ignoring the namespace prefix.
func childrenByTag(el *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	for _, child := range el.ChildElements() {
		if strings.EqualFold(child.Tag, tag) {
			out = append(out, child)
		}
	}
	return out
}

// firstByTag searches the subtree depth-first for the first element with the
// given local tag name.
func firstByTag(el *etree.Element, tag string) *etree.Element {
	for _, child := range el.ChildElements() {
		if strings.EqualFold(child.Tag, tag) {
			return child
		}
		if found := firstByTag(child, tag); found != nil {
			return found
		}
	}
	return nil
}

func rootTag(el *etree.Element) string {
	if el == nil {
		return ""
	}
	return el.Tag
}

// nameFromPath derives a display name from the final path segment when the
// server returned no displayname property.
func nameFromPath(href string) string {
	trimmed := strings.TrimSuffix(href, "/")
	name := path.Base(trimmed)
	if name == "." || name == "/" {
		return trimmed
	}
	if decoded, err := url.PathUnescape(name); err == nil {
		return decoded
	}
	return name
}
