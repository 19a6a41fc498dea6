// Package inbox replays peer messages dropped as files into a directory.
//
// A file named client-<peer>-transaction-<seq> holds one escaped frame body
// from <peer>. Each Collect pass reads and deletes every matching file and
// returns the messages ordered by (peer, seq).
package inbox

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/danmuck/livemirror/internal/observability"
	"github.com/danmuck/livemirror/protocol/frame"
	"github.com/natefinch/atomic"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const (
	namePrefix = "client-"
	nameInfix  = "-transaction-"
)

// Message is one file-sourced frame.
type Message struct {
	Peer uint64
	Seq  uint64
	Data []byte
}

// Reader scans Dir on Fs. A zero Dir makes the reader inert.
type Reader struct {
	Fs  afero.Fs
	Dir string
}

func NewReader(fs afero.Fs, dir string) *Reader {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Reader{Fs: fs, Dir: strings.TrimSpace(dir)}
}

// Enabled reports whether a directory is configured.
func (r *Reader) Enabled() bool {
	return r != nil && r.Dir != ""
}

// FileName renders the inbox name for (peer, seq).
func FileName(peer, seq uint64) string {
	return fmt.Sprintf("%s%d%s%d", namePrefix, peer, nameInfix, seq)
}

// ParseFileName extracts (peer, seq) from an inbox file name.
func ParseFileName(name string) (peer, seq uint64, ok bool) {
	rest, found := strings.CutPrefix(name, namePrefix)
	if !found {
		return 0, 0, false
	}
	peerRaw, seqRaw, found := strings.Cut(rest, nameInfix)
	if !found {
		return 0, 0, false
	}
	peer, err := strconv.ParseUint(peerRaw, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	seq, err = strconv.ParseUint(seqRaw, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return peer, seq, true
}

// Collect consumes every pending inbox file. IO failures are logged and the
// affected file is left for the next pass.
func (r *Reader) Collect() []Message {
	if !r.Enabled() {
		return nil
	}
	infos, err := afero.ReadDir(r.Fs, r.Dir)
	if err != nil {
		log.Debug().Err(err).Str("dir", r.Dir).Msg("inbox.Collect read dir")
		return nil
	}
	var out []Message
	for _, info := range infos {
		if !info.Mode().IsRegular() {
			continue
		}
		peer, seq, ok := ParseFileName(info.Name())
		if !ok {
			continue
		}
		path := filepath.Join(r.Dir, info.Name())
		raw, err := afero.ReadFile(r.Fs, path)
		if err != nil {
			observability.RecordInboxFile("unreadable")
			log.Debug().Err(err).Str("file", path).Msg("inbox.Collect read")
			continue
		}
		if err := r.Fs.Remove(path); err != nil {
			observability.RecordInboxFile("undeletable")
			log.Warn().Err(err).Str("file", path).Msg("inbox.Collect delete failed, deferring")
			continue
		}
		data, err := frame.Decode(raw)
		if err != nil {
			observability.RecordInboxFile("malformed")
			log.Debug().Err(err).Str("file", path).Msg("inbox.Collect unescape")
			continue
		}
		observability.RecordInboxFile("consumed")
		out = append(out, Message{Peer: peer, Seq: seq, Data: data})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Peer != out[j].Peer {
			return out[i].Peer < out[j].Peer
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Writer drops files into an inbox directory on Fs.
type Writer struct {
	Fs  afero.Fs
	Dir string
}

func NewWriter(fs afero.Fs, dir string) *Writer {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Writer{Fs: fs, Dir: strings.TrimSpace(dir)}
}

// Drop writes payload for (peer, seq) atomically, escaped the same way a
// socket frame would be. Readers never observe a partial file: on the OS
// filesystem natefinch/atomic is used, elsewhere a temp file is renamed
// into place.
func (w *Writer) Drop(peer, seq uint64, payload []byte) (string, error) {
	if w.Dir == "" {
		return "", fmt.Errorf("inbox: empty directory")
	}
	if err := w.Fs.MkdirAll(w.Dir, 0o755); err != nil {
		return "", fmt.Errorf("inbox: create dir: %w", err)
	}
	path := filepath.Join(w.Dir, FileName(peer, seq))
	body := frame.EscapePayload(payload)
	if _, ok := w.Fs.(*afero.OsFs); ok {
		if err := atomic.WriteFile(path, bytes.NewReader(body)); err != nil {
			return "", fmt.Errorf("inbox: write %s: %w", path, err)
		}
		return path, nil
	}
	tmp, err := afero.TempFile(w.Fs, w.Dir, ".drop-")
	if err != nil {
		return "", fmt.Errorf("inbox: temp file: %w", err)
	}
	_, werr := tmp.Write(body)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = w.Fs.Rename(tmp.Name(), path)
	}
	if werr != nil {
		_ = w.Fs.Remove(tmp.Name())
		return "", fmt.Errorf("inbox: write %s: %w", path, werr)
	}
	return path, nil
}

// Drop writes into dir on the OS filesystem.
func Drop(dir string, peer, seq uint64, payload []byte) (string, error) {
	return NewWriter(afero.NewOsFs(), dir).Drop(peer, seq, payload)
}
