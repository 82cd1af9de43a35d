// Package demo is the podman example: a tiny io.projectatomic.podman service
// and the client flow that shows its version and images.
package demo

import (
	"sync"

	"mini-varlink/message"
)

// Interface is the varlink interface served by Podman.
const Interface = "io.projectatomic.podman"

const (
	MethodGetVersion = Interface + ".GetVersion"
	MethodListImages = Interface + ".ListImages"
)

// ErrorOccurred is podman's generic error name.
const ErrorOccurred = Interface + ".ErrorOccurred"

// Version is the "version" member of the GetVersion reply.
type Version struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
	Built     string `json:"built,omitempty"`
	OsArch    string `json:"os_arch,omitempty"`
}

// Image is one entry of the ListImages reply.
type Image struct {
	ID         string   `json:"id"`
	RepoTags   []string `json:"repoTags"`
	Created    string   `json:"created"`
	Size       int64    `json:"size"`
	Containers int      `json:"containers"`
}

type Empty struct{}

type GetVersionReply struct {
	Version Version `json:"version"`
}

type ListImagesReply struct {
	Images []Image `json:"images"`
}

// Podman serves a fixed version and image list. Register it with
// server.Register(demo.Interface, podman).
type Podman struct {
	mu      sync.RWMutex
	version Version
	images  []Image
	listErr any
}

// NewPodman returns a service reporting version and images.
func NewPodman(version Version, images []Image) *Podman {
	return &Podman{version: version, images: images}
}

// DefaultPodman is what varlinkd serves.
func DefaultPodman(version string) *Podman {
	return NewPodman(Version{Version: version, OsArch: "linux/amd64"}, []Image{
		{
			ID:       "sha256:9c6f0724472873bb50a2ae67a9e7adcb57673a183cea8b06eb778dca859181b5",
			RepoTags: []string{"docker.io/library/alpine:latest", "docker.io/library/alpine:3.20"},
			Created:  "2024-06-20T17:47:50Z",
			Size:     8_110_000,
		},
		{
			ID:       "sha256:35a88802559dd2077e584394471ddaa1a2c5bfd16893b829ea57619301eb3908",
			RepoTags: []string{"registry.fedoraproject.org/fedora:40"},
			Created:  "2024-07-01T09:12:03Z",
			Size:     232_400_000,
		},
	})
}

// FailListImages makes ListImages answer with the given error value; nil
// restores normal replies.
func (p *Podman) FailListImages(value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listErr = value
}

func (p *Podman) GetVersion(_ *Empty, out *GetVersionReply) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out.Version = p.version
	return nil
}

func (p *Podman) ListImages(_ *Empty, out *ListImagesReply) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.listErr != nil {
		return &message.RemoteError{Value: p.listErr}
	}
	out.Images = append([]Image{}, p.images...)
	return nil
}
