package extension

import (
	"context"
	"testing"

	"github.com/robertkowalski/hyperbee/pkg/feed"
	"github.com/robertkowalski/hyperbee/pkg/tree"
	"github.com/robertkowalski/hyperbee/pkg/wire"
)

// pipePeer delivers messages directly into the other side's extension.
type pipePeer struct {
	ctx    context.Context
	remote *Extension
	back   *pipePeer
}

func (p *pipePeer) Send(message []byte) error {
	return p.remote.OnMessage(p.ctx, p.back, message)
}

func connect(ctx context.Context, a, b *Extension) {
	toB := &pipePeer{ctx: ctx, remote: b}
	toA := &pipePeer{ctx: ctx, remote: a}
	toB.back = toA
	toA.back = toB
	a.AddPeer(toB)
	b.AddPeer(toA)
}

// buildTrees creates a writer with a few entries and a reader whose
// feed mirrors it lazily, with both sides' extensions connected.
func buildTrees(t *testing.T, compress bool) (*tree.Tree, *tree.Tree, *feed.MemoryFeed, *Extension) {
	t.Helper()
	ctx := context.Background()

	source := feed.NewMemoryFeed()
	writer, err := tree.New(source, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := writer.Ready(); err != nil {
		t.Fatal(err)
	}
	for _, kv := range [][2]string{{"apple", "1"}, {"banana", "2"}, {"cherry", "3"}, {"date", "4"}, {"elder", "5"}} {
		if err := writer.Put(ctx, []byte(kv[0]), []byte(kv[1])); err != nil {
			t.Fatal(err)
		}
	}

	replica := feed.NewReplicaFeed(source)
	reader, err := tree.New(replica, nil)
	if err != nil {
		t.Fatal(err)
	}

	opts := &Options{Compress: compress}
	readerExt := Register(reader, opts)
	reader.SetExtension(readerExt)
	writerExt := Register(writer, opts)
	connect(ctx, readerExt, writerExt)

	return writer, reader, replica, readerExt
}

func TestPeerWarmsLookupPath(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "snappy"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, reader, replica, _ := buildTrees(t, compress)

			if _, err := replica.Update(ctx); err != nil {
				t.Fatal(err)
			}

			entry, err := reader.Get(ctx, []byte("date"))
			if err != nil {
				t.Fatalf("reader get: %v", err)
			}
			if string(entry.Value) != "4" {
				t.Errorf("value: got %q, want 4", entry.Value)
			}

			// the writer's Cache reply lands before the lookup touches
			// the feed, so every block it needs is already mirrored
			if fetched := replica.Fetched(); len(fetched) != 0 {
				t.Errorf("lookup fell through to the source: %v", fetched)
			}
		})
	}
}

func TestCacheAnnouncement(t *testing.T) {
	ctx := context.Background()
	_, _, replica, readerExt := buildTrees(t, false)

	if _, err := replica.Update(ctx); err != nil {
		t.Fatal(err)
	}

	// a bare range announcement prefetches every block in it
	readerExt.handleCache(&wire.CacheMessage{Start: 1, End: 6})
	for seq := uint64(1); seq < 6; seq++ {
		if _, err := replica.Get(ctx, seq); err != nil {
			t.Fatalf("get %d: %v", seq, err)
		}
	}
	if fetched := replica.Fetched(); len(fetched) != 0 {
		t.Errorf("range prefetch missed blocks: %v", fetched)
	}
}

type nullPeer struct {
	sent int
}

func (p *nullPeer) Send(message []byte) error {
	p.sent++
	return nil
}

func TestGetAgainstMissingVersionIsSilent(t *testing.T) {
	ctx := context.Background()
	_, _, _, readerExt := buildTrees(t, false)

	// a Get for a version this side cannot resolve must not error back
	// to the requester, and produces no reply
	from := &nullPeer{}
	msg := wire.EncodeExtension(&wire.Extension{Get: &wire.GetMessage{Head: 999, Key: []byte("x")}})
	if err := readerExt.OnMessage(ctx, from, msg); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if from.sent != 0 {
		t.Errorf("expected no reply, got %d", from.sent)
	}
}
