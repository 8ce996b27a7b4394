package box

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Box is one node of a decoded box tree.
type Box struct {
	BasicBox
	Data     IBox
	Children []*Box
	Parent   *Box
}

// ReadBox reads and decodes the whole box starting at offset.
func ReadBox(r io.Reader, offset int64) (*Box, error) {
	b := &Box{BasicBox: BasicBox{Offset: offset}}
	if _, err := b.BasicBox.Decode(r); err != nil {
		return nil, err
	}
	var body []byte
	var err error
	if b.Size == 0 {
		if body, err = io.ReadAll(r); err != nil {
			return nil, err
		}
		b.Size = uint64(b.HeaderSize + len(body))
	} else {
		body = make([]byte, b.Size-uint64(b.HeaderSize))
		if _, err = io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrTruncated, b, err)
		}
	}
	return b, b.decodeBody(body)
}

// Parse decodes consecutive boxes from b, the first one starting at offset.
func Parse(b []byte, offset int64) (boxes []*Box, err error) {
	for pos := 0; pos < len(b); {
		if len(b)-pos < BasicBoxLen {
			return boxes, fmt.Errorf("%w: %d trailing bytes at %d", ErrTruncated, len(b)-pos, offset+int64(pos))
		}
		var child *Box
		if child, err = parseOne(b[pos:], offset+int64(pos)); err != nil {
			return
		}
		boxes = append(boxes, child)
		pos += int(child.Size)
	}
	return
}

func parseOne(b []byte, offset int64) (*Box, error) {
	hdr, err := PeekHeader(b, offset)
	if err != nil {
		return nil, err
	}
	if hdr.Size == 0 {
		hdr.Size = uint64(len(b))
	}
	if hdr.Size > uint64(len(b)) {
		return nil, fmt.Errorf("%w: %s exceeds parent by %d bytes", ErrTruncated, &hdr, hdr.Size-uint64(len(b)))
	}
	box := &Box{BasicBox: hdr}
	return box, box.decodeBody(b[hdr.HeaderSize:hdr.Size])
}

func (b *Box) decodeBody(body []byte) (err error) {
	if IsContainer(b.Type) {
		if b.Children, err = Parse(body, b.Offset+int64(b.HeaderSize)); err != nil {
			return
		}
		for _, c := range b.Children {
			c.Parent = b
		}
		return
	}
	newData, ok := decoders[b.Type]
	if b.Type == TypeUUID {
		newData, ok = uuidDecoders[b.UserType]
	}
	if !ok {
		return
	}
	b.Data = newData()
	r := newReader(body)
	if err = b.Data.Decode(r); err == nil {
		err = r.err
	}
	if err != nil {
		err = fmt.Errorf("%s: %w", b, err)
		b.Data = nil
	}
	return
}

// Get resolves a path such as "/moov/trak[1]/mdia/mdhd"; the bracketed index
// counts children of the same type from zero.
func (b *Box) Get(path string) *Box {
	cur := b
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		if cur = cur.child(part); cur == nil {
			return nil
		}
	}
	return cur
}

func (b *Box) child(part string) *Box {
	name, index := part, 0
	if i := strings.IndexByte(part, '['); i >= 0 && strings.HasSuffix(part, "]") {
		n, err := strconv.Atoi(part[i+1 : len(part)-1])
		if err != nil || n < 0 {
			return nil
		}
		name, index = part[:i], n
	}
	if len(name) != 4 {
		return nil
	}
	for _, c := range b.Children {
		if string(c.Type[:]) == name {
			if index == 0 {
				return c
			}
			index--
		}
	}
	return nil
}

// Count returns how many boxes the last path element matches.
func (b *Box) Count(path string) int {
	path = strings.Trim(path, "/")
	parent, name := b, path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		if parent = b.Get(path[:i]); parent == nil {
			return 0
		}
		name = path[i+1:]
	}
	n := 0
	for _, c := range parent.Children {
		if string(c.Type[:]) == name {
			n++
		}
	}
	return n
}

// Extract detaches the box at path from its parent.
func (b *Box) Extract(path string) *Box {
	found := b.Get(path)
	if found == nil || found.Parent == nil {
		return nil
	}
	siblings := found.Parent.Children
	for i, c := range siblings {
		if c == found {
			found.Parent.Children = append(siblings[:i:i], siblings[i+1:]...)
			break
		}
	}
	found.Parent = nil
	return found
}

// Find returns the typed payload at path, or the zero value.
func Find[T IBox](b *Box, path string) (t T) {
	if b == nil {
		return
	}
	if found := b.Get(path); found != nil {
		t, _ = found.Data.(T)
	}
	return
}

// NewRoot wraps top-level boxes so paths can start at the file level.
func NewRoot(children ...*Box) *Box {
	root := &Box{Children: children}
	for _, c := range children {
		c.Parent = root
	}
	return root
}
