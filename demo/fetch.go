package demo

import (
	"context"
	"fmt"
	"io"
	"strings"

	"mini-varlink/client"
	"mini-varlink/message"
)

// Caller issues one call on a channel. *client.Sequencer and *client.Session
// both satisfy it.
type Caller interface {
	Call(method string, parameters message.Parameters) (*client.Outcome, error)
}

// Page is what the demo shows: the podman version and its images.
type Page struct {
	Version   string
	Images    []Image
	ImagesErr error // ListImages failed; Version is still valid
}

// UnknownVersion is shown until GetVersion succeeds.
const UnknownVersion = "unknown"

// Fetch asks for the version and, once that call has settled successfully,
// for the image list. Both calls go over c, one after the other.
//
// A GetVersion failure is returned as the error and ListImages is not
// called. A ListImages failure is kept in Page.ImagesErr.
func Fetch(ctx context.Context, c Caller) (*Page, error) {
	page := &Page{Version: UnknownVersion}

	var version GetVersionReply
	if err := call(ctx, c, MethodGetVersion, &version); err != nil {
		return page, fmt.Errorf("GetVersion: %w", err)
	}
	page.Version = version.Version.Version

	var images ListImagesReply
	if err := call(ctx, c, MethodListImages, &images); err != nil {
		page.ImagesErr = fmt.Errorf("ListImages: %w", err)
		return page, nil
	}
	page.Images = images.Images
	return page, nil
}

func call(ctx context.Context, c Caller, method string, reply any) error {
	outcome, err := c.Call(method, nil)
	if err != nil {
		return err
	}
	if _, err := outcome.Wait(ctx); err != nil {
		return err
	}
	return outcome.Decode(reply)
}

// Render writes the page as plain text.
func (p *Page) Render(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "podman version: %s\n\nImages\n", p.Version)
	if p.ImagesErr != nil {
		fmt.Fprintf(&b, "  (%v)\n", p.ImagesErr)
	}
	for _, img := range p.Images {
		fmt.Fprintf(&b, "  - %s (created: %s)\n", strings.Join(img.RepoTags, ", "), img.Created)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
