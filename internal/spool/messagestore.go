package spool

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/mxrelay/mxrelay/framework/buffer"
)

// MessageStore persists one message body (the generated Received: header
// followed by the raw, dot-unstuffed bytes) and hands back an opaque
// rawRef the Spool Metadata Store threads through untouched. Open must be
// safely callable many times (every redelivery attempt re-reads the body).
type MessageStore interface {
	Store(ctx context.Context, messageID string, receivedHeader string, raw io.Reader) (rawRef string, err error)
	Open(ctx context.Context, rawRef string) (buffer.Buffer, error)
	Remove(ctx context.Context, rawRef string) error
}

// ReceivedHeader formats the RFC 5321/2821 trace header this module
// prepends to every stored message.
func ReceivedHeader(peer net.Addr, serverName, messageID, transferMode, forRecipient string, now time.Time) string {
	peerStr := "unknown"
	if peer != nil {
		peerStr = peer.String()
	}
	forClause := ""
	if forRecipient != "" {
		forClause = fmt.Sprintf(" for <%s>", forRecipient)
	}
	return fmt.Sprintf("Received: from %s by %s id %s with %s%s; %s\r\n",
		peerStr, serverName, messageID, transferMode, forClause, now.Format(time.RFC1123Z))
}

// FileMessageStore stores each body as its own file under dir, named with
// a random token, following the mkdir-then-create pattern the teacher's
// disk queue and buffer.BufferInFile both use.
type FileMessageStore struct {
	dir string
}

func NewFileMessageStore(dir string) *FileMessageStore {
	return &FileMessageStore{dir: dir}
}

func (s *FileMessageStore) Store(_ context.Context, _ string, receivedHeader string, raw io.Reader) (string, error) {
	combined := io.MultiReader(newStringReader(receivedHeader), raw)
	buf, err := buffer.BufferInFile(combined, s.dir)
	if err != nil {
		return "", err
	}
	return buf.(buffer.FileBuffer).Path, nil
}

func (s *FileMessageStore) Open(_ context.Context, rawRef string) (buffer.Buffer, error) {
	return buffer.FileBuffer{Path: rawRef}, nil
}

func (s *FileMessageStore) Remove(_ context.Context, rawRef string) error {
	return buffer.FileBuffer{Path: rawRef}.Remove()
}

var _ MessageStore = (*FileMessageStore)(nil)

// stringReader avoids importing strings just for a one-shot io.Reader;
// kept local since it's only ever used to prepend the Received header.
type stringReader struct {
	s   string
	pos int
}

func newStringReader(s string) *stringReader { return &stringReader{s: s} }

func (r *stringReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.s) {
		return 0, io.EOF
	}
	n := copy(p, r.s[r.pos:])
	r.pos += n
	return n, nil
}

// uniqueToken is used by blob-store backed MessageStore implementations
// that need an object key rather than a filesystem path.
func uniqueToken() string { return uuid.NewString() }
