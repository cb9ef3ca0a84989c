// Package page computes bounded, clamped page windows over ordered
// collections such as a bridge queue or the error store.
package page

import (
	"strconv"
	"strings"
)

const (
	DefaultSize    = 25
	DefaultMaxSize = 500
	DefaultWindow  = 5
)

// Config controls size normalization and the width of the page-number window.
type Config struct {
	DefaultSize int
	MaxSize     int
	Window      int
}

func DefaultConfig() Config {
	return Config{DefaultSize: DefaultSize, MaxSize: DefaultMaxSize, Window: DefaultWindow}
}

// Request is a raw page request. Zero or negative values mean "absent".
type Request struct {
	Page int
	Size int
}

// Range describes the navigable pages around the current one. Prev and Next
// are zero when there is no such page.
type Range struct {
	Total  int   `json:"total"`
	First  int   `json:"first"`
	Prev   int   `json:"prev,omitempty"`
	Next   int   `json:"next,omitempty"`
	Last   int   `json:"last"`
	Window []int `json:"window"`
}

type Descriptor struct {
	Count int   `json:"count"`
	Size  int   `json:"size"`
	Page  int   `json:"page"`
	Pages Range `json:"pages"`
}

// Offset is the index of the first item on the page.
func (d Descriptor) Offset() int {
	return (d.Page - 1) * d.Size
}

// NormalizeSize applies the default for absent sizes and caps at MaxSize.
func (c Config) NormalizeSize(size int) int {
	def := c.DefaultSize
	if def <= 0 {
		def = DefaultSize
	}
	if size <= 0 {
		size = def
	}
	if c.MaxSize > 0 && size > c.MaxSize {
		size = c.MaxSize
	}
	return size
}

// Paginate clamps page into [1, TotalPages(count, size)] and builds the
// page range. It has no side effects.
func (c Config) Paginate(count, size, page int) Descriptor {
	if count < 0 {
		count = 0
	}
	size = c.NormalizeSize(size)
	total := TotalPages(count, size)
	if page < 1 {
		page = 1
	}
	if page > total {
		page = total
	}
	return Descriptor{
		Count: count,
		Size:  size,
		Page:  page,
		Pages: c.pageRange(page, total),
	}
}

// Resolve is Paginate for a Request.
func (c Config) Resolve(count int, req Request) Descriptor {
	return c.Paginate(count, req.Size, req.Page)
}

// Paginate uses DefaultConfig.
func Paginate(count, size, page int) Descriptor {
	return DefaultConfig().Paginate(count, size, page)
}

// TotalPages is max(1, ceil(count/size)). size must be positive.
func TotalPages(count, size int) int {
	if count <= 0 || size <= 0 {
		return 1
	}
	return (count + size - 1) / size
}

// ParseInt reads a page or size parameter. Anything that is not a positive
// integer is treated as absent and yields 0.
func ParseInt(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func (c Config) pageRange(page, total int) Range {
	width := c.Window
	if width <= 0 {
		width = DefaultWindow
	}
	if width > total {
		width = total
	}

	start := page - width/2
	if start < 1 {
		start = 1
	}
	end := start + width - 1
	if end > total {
		end = total
		start = end - width + 1
	}

	window := make([]int, 0, width)
	for p := start; p <= end; p++ {
		window = append(window, p)
	}

	r := Range{Total: total, First: 1, Last: total, Window: window}
	if page > 1 {
		r.Prev = page - 1
	}
	if page < total {
		r.Next = page + 1
	}
	return r
}
