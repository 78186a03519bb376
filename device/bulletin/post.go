package bulletin

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/kabili207/meshboard-go/core"
	"github.com/kabili207/meshboard-go/core/clock"
	"github.com/kabili207/meshboard-go/device/storage"
)

const (
	// MaxPosts is the post buffer capacity (firmware: MAX_UNSYNCED_POSTS).
	MaxPosts = 32

	// MaxPostTextLen is the user message limit; severity prefixes are added
	// on top of this.
	MaxPostTextLen = 140

	// PostsFile is the logical blob name for the persisted post buffer.
	PostsFile = "/posts"

	// postsFileVersion is the persistence layout version.
	postsFileVersion = 1
)

// PostInfo is one entry of the post buffer. Timestamp 0 is a reserved
// sentinel: a system-message carrier that is never persisted.
type PostInfo struct {
	Author    core.MeshCoreID
	Timestamp uint32 // by OUR clock, unique-monotone
	Text      string
}

// IsValid reports whether the slot holds a real post.
func (p *PostInfo) IsValid() bool {
	return p.Timestamp > 0
}

// PostBuffer is the fixed-size cyclic queue of posts. The newest post is at
// (nextIdx - 1) mod capacity. Not internally synchronized: the server's
// mutex guards it.
type PostBuffer struct {
	posts   []PostInfo
	nextIdx int
}

// NewPostBuffer creates a post buffer with the given capacity.
// If capacity is 0, MaxPosts is used.
func NewPostBuffer(capacity int) *PostBuffer {
	if capacity <= 0 {
		capacity = MaxPosts
	}
	return &PostBuffer{
		posts: make([]PostInfo, capacity),
	}
}

// Capacity returns the number of slots.
func (b *PostBuffer) Capacity() int {
	return len(b.posts)
}

// NextIdx returns the writer cursor (also the scheduler's scan start).
func (b *PostBuffer) NextIdx() int {
	return b.nextIdx
}

// At returns the slot at the given index.
func (b *PostBuffer) At(idx int) *PostInfo {
	return &b.posts[idx]
}

// Append writes a new post into the cyclic queue, stamping it with a fresh
// unique timestamp, and returns that timestamp.
func (b *PostBuffer) Append(author core.MeshCoreID, text string, clk *clock.Clock) uint32 {
	ts := clk.GetCurrentTimeUnique()
	b.posts[b.nextIdx] = PostInfo{
		Author:    author,
		Timestamp: ts,
		Text:      text,
	}
	b.nextIdx = (b.nextIdx + 1) % len(b.posts)
	return ts
}

// NewestFirst returns value copies of the valid posts, newest first.
func (b *PostBuffer) NewestFirst() []PostInfo {
	n := len(b.posts)
	result := make([]PostInfo, 0, n)
	for k := 0; k < n; k++ {
		idx := ((b.nextIdx-1-k)%n + n) % n
		if b.posts[idx].IsValid() {
			result = append(result, b.posts[idx])
		}
	}
	return result
}

// CountUnsynced counts posts newer than the client's sync cursor that were
// not authored by the client itself.
func (b *PostBuffer) CountUnsynced(c *ClientInfo) uint8 {
	var count uint8
	for i := range b.posts {
		p := &b.posts[i]
		if p.Timestamp > c.SyncSince && p.Author != c.ID {
			count++
		}
	}
	return count
}

// Save persists the buffer (v1 layout): version byte, 4-byte next index,
// then one record per valid slot. Sentinel slots (timestamp 0) are skipped.
func (b *PostBuffer) Save(store storage.BlobStore) error {
	var buf bytes.Buffer
	buf.WriteByte(postsFileVersion)

	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], uint32(b.nextIdx))
	buf.Write(idx[:])

	for i := range b.posts {
		p := &b.posts[i]
		if !p.IsValid() {
			continue
		}
		buf.Write(p.Author[:])

		var ts [4]byte
		binary.LittleEndian.PutUint32(ts[:], p.Timestamp)
		buf.Write(ts[:])

		text := p.Text
		if len(text) > 255 {
			text = text[:255]
		}
		buf.WriteByte(uint8(len(text)))
		buf.WriteString(text)
	}

	if err := store.WriteAll(PostsFile, buf.Bytes()); err != nil {
		return fmt.Errorf("saving posts: %w", err)
	}
	return nil
}

// Load restores the buffer from a v1 blob. A missing blob leaves the buffer
// empty. Slots not present in the blob are left default.
func (b *PostBuffer) Load(store storage.BlobStore) error {
	data, err := store.ReadAll(PostsFile)
	if err != nil {
		if store.Exists(PostsFile) {
			return fmt.Errorf("loading posts: %w", err)
		}
		return nil
	}

	if len(data) < 5 || data[0] != postsFileVersion {
		return fmt.Errorf("loading posts: bad header")
	}
	b.nextIdx = int(binary.LittleEndian.Uint32(data[1:5])) % len(b.posts)
	data = data[5:]

	slot := 0
	for len(data) >= 37 && slot < len(b.posts) {
		var p PostInfo
		copy(p.Author[:], data[:32])
		p.Timestamp = binary.LittleEndian.Uint32(data[32:36])
		textLen := int(data[36])
		data = data[37:]
		if len(data) < textLen {
			break
		}
		p.Text = string(data[:textLen])
		data = data[textLen:]

		b.posts[slot] = p
		slot++
	}
	return nil
}
