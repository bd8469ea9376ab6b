// Package format holds the output-format registry and the output context that
// streams, interleaves and serializes packets through a container writer.
package format

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/jerett/mediaMuxer/config"
)

var (
	ErrUnknownFormat = errors.New("format: unknown output format")
	ErrUnknownOption = errors.New("format: unknown option")
)

// Flags describe container capabilities
type Flags uint32

const (
	// FlagNoFile marks containers that do not write to an I/O sink
	FlagNoFile Flags = 1 << iota
	// FlagGlobalHeader marks containers that store codec headers once, out of band
	FlagGlobalHeader
	// FlagAllowFlush lets a nil WriteFrame flush buffered container data
	FlagAllowFlush
)

func (f Flags) String() string {
	var names []string
	if f&FlagNoFile != 0 {
		names = append(names, "nofile")
	}
	if f&FlagGlobalHeader != 0 {
		names = append(names, "globalheader")
	}
	if f&FlagAllowFlush != 0 {
		names = append(names, "allowflush")
	}
	return strings.Join(names, "|")
}

// Writer serializes a container. It is driven by a Context and never called concurrently.
type Writer interface {
	WriteHeader() error
	WritePacket(pkt *Packet) error
	WriteTrailer() error
}

// Flusher is implemented by writers that can emit buffered data on demand
type Flusher interface {
	Flush() error
}

// OutputFormat describes a registered container
type OutputFormat struct {
	Name       string
	LongName   string
	Aliases    []string
	Extensions []string
	Flags      Flags
	Codecs     []CodecID
	// Options is the private option table settable through Context.SetOption
	Options []Option
	// TimeBase picks the time base assigned to a new stream
	TimeBase  func(par *CodecParameters) Rational
	NewWriter func(ctx *Context) (Writer, error)
}

// matches compares name against the format name and its aliases, ignoring case
func (f *OutputFormat) matches(name string) bool {
	if strings.EqualFold(f.Name, name) {
		return true
	}
	return slices.ContainsFunc(f.Aliases, func(alias string) bool {
		return strings.EqualFold(alias, name)
	})
}

// Supports reports whether streams of codec may be added
func (f *OutputFormat) Supports(codec CodecID) bool {
	return len(f.Codecs) == 0 || slices.Contains(f.Codecs, codec)
}

func (f *OutputFormat) option(name string) (Option, bool) {
	for _, o := range f.Options {
		if o.Name == name {
			return o, true
		}
	}
	return Option{}, false
}

var (
	registryMu sync.RWMutex
	registry   []*OutputFormat
)

// Register adds f to the registry, replacing a format with the same name
func Register(f *OutputFormat) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for i, existing := range registry {
		if strings.EqualFold(existing.Name, f.Name) {
			registry[i] = f
			return
		}
	}
	registry = append(registry, f)
}

// Formats returns the registered formats in registration order
func Formats() []*OutputFormat {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return slices.Clone(registry)
}

// FindOutputFormat resolves name, or guesses from the target's extension when
// name is empty. Without a recognizable extension the configured default
// format is used.
func FindOutputFormat(name, target string) (*OutputFormat, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if name != "" {
		for _, f := range registry {
			if f.matches(name) {
				return f, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, name)
	}

	if ext := targetExtension(target); ext != "" {
		for _, f := range registry {
			if slices.Contains(f.Extensions, ext) {
				return f, nil
			}
		}
	}

	def := config.GetDefaultFormat()
	for _, f := range registry {
		if f.matches(def) {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: cannot guess format for %q", ErrUnknownFormat, target)
}

func targetExtension(target string) string {
	p := target
	if strings.Contains(target, "://") {
		if u, err := url.Parse(target); err == nil {
			p = u.Path
		}
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
}
