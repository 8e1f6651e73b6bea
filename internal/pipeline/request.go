package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/finshield-project/finshield/internal/core"
)

// buildRequest reads r into the admission view. The body is read once, at
// most maxBody+1 bytes, and put back on r so the handler sees it unchanged.
// A body over the limit is kept truncated and left unparsed; the validator
// rejects it.
func buildRequest(r *http.Request, id string, received time.Time, maxBody int64, resolve core.IdentityResolver) (*core.Request, error) {
	req := &core.Request{
		ID:       id,
		Received: received,
		Method:   r.Method,
		Route:    r.URL.Path,
		Class:    core.ClassifyRoute(r.URL.Path),
		Header:   r.Header,
		Addr:     remoteAddr(r.RemoteAddr),
		HTTP:     r,
	}
	if resolve != nil {
		req.Identity = resolve(r)
	}
	req.Identifier = core.Identifier(req.Identity, req.Addr)
	req.Query, _ = url.ParseQuery(r.URL.RawQuery)

	if r.Body != nil && r.Body != http.NoBody {
		limit := maxBody
		if limit <= 0 {
			limit = 10 << 20
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		r.Body.Close()
		if err != nil {
			return req, fmt.Errorf("reading body: %w", err)
		}
		req.Body = body
		r.Body = io.NopCloser(bytes.NewReader(body))
		if int64(len(body)) > limit {
			return req, nil
		}
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" || len(req.Body) == 0 {
		return req, nil
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		req.ContentType = strings.ToLower(contentType)
		req.DecodeErr = fmt.Errorf("content type %q: %w", contentType, err)
		return req, nil
	}
	req.ContentType = mediaType

	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		dec := json.NewDecoder(bytes.NewReader(req.Body))
		dec.UseNumber()
		var doc any
		if err := dec.Decode(&doc); err != nil {
			req.DecodeErr = fmt.Errorf("malformed JSON body: %w", err)
		} else if dec.More() {
			req.DecodeErr = fmt.Errorf("malformed JSON body: trailing data")
		} else {
			req.JSON = doc
		}
	case mediaType == "application/x-www-form-urlencoded":
		form, err := url.ParseQuery(string(req.Body))
		if err != nil {
			req.DecodeErr = fmt.Errorf("malformed form body: %w", err)
		}
		req.Form = form
	case mediaType == "multipart/form-data":
		form, err := multipart.NewReader(bytes.NewReader(req.Body), params["boundary"]).ReadForm(maxBody)
		if err != nil {
			req.DecodeErr = fmt.Errorf("malformed multipart body: %w", err)
			break
		}
		req.Form = url.Values(form.Value)
		for _, files := range form.File {
			for _, fh := range files {
				req.Filenames = append(req.Filenames, fh.Filename)
			}
		}
		form.RemoveAll()
	}
	return req, nil
}

// remoteAddr parses host:port or a bare address. IPv4-mapped IPv6 addresses
// are unmapped so lists match either form.
func remoteAddr(s string) netip.Addr {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap()
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return a.Unmap()
	}
	return netip.Addr{}
}
