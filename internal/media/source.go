// Package media lists the videos offered by a plain HTTP directory listing
// and the caption stored next to each one as <name>.txt.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const captionTimeout = 5 * time.Second

var ErrUnavailable = errors.New("media server unavailable")

type Video struct {
	Filename   string `json:"filename"`
	VideoURL   string `json:"video_url"`
	Caption    string `json:"caption"`
	HasCaption bool   `json:"has_caption"`
}

type Source struct {
	base   string
	client *http.Client
}

// NewSource reads from baseURL, which is treated as a directory.
func NewSource(baseURL string) *Source {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Source{base: baseURL, client: &http.Client{Timeout: 30 * time.Second}}
}

// List returns every .mp4 linked from the listing, in page order, with its
// caption. A missing caption is not an error.
func (s *Source) List(ctx context.Context) ([]Video, error) {
	names, err := s.listFiles(ctx)
	if err != nil {
		return nil, err
	}

	videos := make([]Video, 0, len(names))
	withCaption := 0
	for _, name := range names {
		v := Video{Filename: name, VideoURL: s.base + url.PathEscape(name)}
		caption, err := s.fetchCaption(ctx, strings.TrimSuffix(name, ".mp4")+".txt")
		if err != nil {
			slog.Debug("media: no caption", "filename", name, "error", err)
		} else {
			v.Caption = caption
			v.HasCaption = true
			withCaption++
		}
		videos = append(videos, v)
	}
	slog.Info("media: scanned listing", "videos", len(videos), "with_caption", withCaption)
	return videos, nil
}

// Ping checks that the listing answers at all.
func (s *Source) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, captionTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.base, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (s *Source) listFiles(ctx context.Context) ([]string, error) {
	body, err := s.get(ctx, s.base)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer body.Close()

	names, err := parseListing(body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse listing: %v", ErrUnavailable, err)
	}
	return names, nil
}

// parseListing collects the last path segment of every anchor ending in .mp4.
func parseListing(r io.Reader) ([]string, error) {
	var names []string
	seen := make(map[string]bool)
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return names, nil
			}
			return nil, z.Err()
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.Data != "a" {
				continue
			}
			for _, attr := range tok.Attr {
				if attr.Key != "href" {
					continue
				}
				name, ok := videoName(attr.Val)
				if ok && !seen[name] {
					seen[name] = true
					names = append(names, name)
				}
			}
		}
	}
}

func videoName(href string) (string, bool) {
	switch href {
	case "", "../", ".", "..":
		return "", false
	}
	if u, err := url.Parse(href); err == nil {
		href = u.Path
	}
	if !strings.HasSuffix(href, ".mp4") {
		return "", false
	}
	name := path.Base(href)
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return name, name != "" && name != ".mp4"
}

func (s *Source) fetchCaption(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, captionTimeout)
	defer cancel()

	body, err := s.get(ctx, s.base+url.PathEscape(name))
	if err != nil {
		return "", err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *Source) get(ctx context.Context, target string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: HTTP %d", target, resp.StatusCode)
	}
	return resp.Body, nil
}
