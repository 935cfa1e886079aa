package broker

import (
    "context"
    "fmt"
    "testing"
    "time"

    "ttpush/pkg/transport"
)

func TestReceiveImmediateWhenBacklogged(t *testing.T) {
    b := New(Options{})
    id := transport.ConnectionID("c1")

    for i := 0; i < 3; i++ {
        if _, err := b.Publish(id, []byte(fmt.Sprintf(`"m%d"`, i))); err != nil {
            t.Fatalf("publish: %v", err)
        }
    }

    resp, err := b.Receive(context.Background(), id, 0, true, 100)
    if err != nil { t.Fatalf("receive: %v", err) }
    if len(resp.Messages) != 3 || resp.LastID != 3 {
        t.Fatalf("batch mismatch: n=%d lastID=%d", len(resp.Messages), resp.LastID)
    }
    for i, m := range resp.Messages {
        if m.ID != uint64(i+1) {
            t.Fatalf("ids not contiguous: %v", resp.Messages)
        }
    }
}

func TestReceiveRangeIsExclusiveInclusive(t *testing.T) {
    b := New(Options{})
    id := transport.ConnectionID("c1")
    for i := 0; i < 5; i++ {
        b.Publish(id, []byte(`1`))
    }
    resp, err := b.Receive(context.Background(), id, 2, false, 100)
    if err != nil { t.Fatalf("receive: %v", err) }
    if len(resp.Messages) != 3 || resp.Messages[0].ID != 3 || resp.LastID != 5 {
        t.Fatalf("range (2, lastID] violated: first=%d n=%d last=%d",
            resp.Messages[0].ID, len(resp.Messages), resp.LastID)
    }
}

func TestReceiveWakesOnPublish(t *testing.T) {
    b := New(Options{})
    id := transport.ConnectionID("c1")

    ch := b.ReceiveAsync(context.Background(), id, 0, true, 100)
    select {
    case <-ch:
        t.Fatalf("receive resolved with empty backlog")
    case <-time.After(20 * time.Millisecond):
    }

    if _, err := b.Publish(id, []byte(`"hello"`)); err != nil {
        t.Fatalf("publish: %v", err)
    }
    select {
    case res := <-ch:
        if res.Err != nil { t.Fatalf("receive: %v", res.Err) }
        if len(res.Response.Messages) != 1 || res.Response.LastID != 1 {
            t.Fatalf("batch mismatch: %+v", res.Response)
        }
    case <-time.After(time.Second):
        t.Fatalf("receive did not wake on publish")
    }
}

func TestReceiveHonorsBufferedBound(t *testing.T) {
    b := New(Options{BacklogSize: 100})
    id := transport.ConnectionID("c1")
    for i := 0; i < 40; i++ {
        b.Publish(id, []byte(`1`))
    }
    resp, err := b.Receive(context.Background(), id, 0, true, 16)
    if err != nil { t.Fatalf("receive: %v", err) }
    if len(resp.Messages) != 16 || resp.LastID != 16 {
        t.Fatalf("bound not applied: n=%d last=%d", len(resp.Messages), resp.LastID)
    }
    // the remainder is delivered by the next poll
    resp, err = b.Receive(context.Background(), id, resp.LastID, false, 16)
    if err != nil { t.Fatalf("receive: %v", err) }
    if resp.Messages[0].ID != 17 {
        t.Fatalf("next batch does not continue the range: %d", resp.Messages[0].ID)
    }
}

func TestBacklogEviction(t *testing.T) {
    b := New(Options{BacklogSize: 4})
    id := transport.ConnectionID("c1")
    for i := 0; i < 10; i++ {
        b.Publish(id, []byte(`1`))
    }
    resp, err := b.Receive(context.Background(), id, 0, true, 100)
    if err != nil { t.Fatalf("receive: %v", err) }
    if len(resp.Messages) != 4 || resp.Messages[0].ID != 7 || resp.LastID != 10 {
        t.Fatalf("eviction kept wrong tail: first=%d n=%d", resp.Messages[0].ID, len(resp.Messages))
    }
    if b.Metrics().Evicted != 6 {
        t.Fatalf("evicted counter: %d", b.Metrics().Evicted)
    }
}

func TestAbortWakesPendingReceive(t *testing.T) {
    b := New(Options{})
    id := transport.ConnectionID("c1")

    ch := b.ReceiveAsync(context.Background(), id, 0, true, 100)
    if err := b.Abort(context.Background(), id); err != nil {
        t.Fatalf("abort: %v", err)
    }
    select {
    case res := <-ch:
        if res.Err != nil { t.Fatalf("receive: %v", res.Err) }
        if !res.Response.Aborted || len(res.Response.Messages) != 0 {
            t.Fatalf("expected empty aborted batch, got %+v", res.Response)
        }
    case <-time.After(time.Second):
        t.Fatalf("receive did not wake on abort")
    }

    // the mailbox is gone; the abort signal fires once
    if _, err := b.Receive(contextWithTimeout(t, 50*time.Millisecond), id, 0, true, 100); err == nil {
        t.Fatalf("expected timeout after aborted mailbox dropped")
    }
}

func TestCancellation(t *testing.T) {
    b := New(Options{})
    ctx, cancel := context.WithCancel(context.Background())
    ch := b.ReceiveAsync(ctx, "c1", 0, true, 100)
    cancel()
    select {
    case res := <-ch:
        if res.Err == nil || res.Response != nil {
            t.Fatalf("cancelled receive should carry no batch: %+v", res)
        }
    case <-time.After(time.Second):
        t.Fatalf("receive did not observe cancellation")
    }
}

func TestPublishAfterAbortFails(t *testing.T) {
    b := New(Options{})
    id := transport.ConnectionID("c1")
    b.Publish(id, []byte(`1`))
    b.Abort(context.Background(), id)
    if _, err := b.Publish(id, []byte(`2`)); err == nil {
        t.Fatalf("expected publish to an aborted mailbox to fail")
    }
}

func contextWithTimeout(t *testing.T, d time.Duration) context.Context {
    t.Helper()
    ctx, cancel := context.WithTimeout(context.Background(), d)
    t.Cleanup(cancel)
    return ctx
}

func TestOrphanedAbortedMailboxesAreDropped(t *testing.T) {
    b := New(Options{AbortLinger: 20 * time.Millisecond})

    // abort a fleet of connections that never poll again
    for i := 0; i < 100; i++ {
        id := transport.ConnectionID(fmt.Sprintf("c%d", i))
        if _, err := b.Publish(id, []byte(`1`)); err != nil {
            t.Fatalf("publish %s: %v", id, err)
        }
        if err := b.Abort(context.Background(), id); err != nil {
            t.Fatalf("abort %s: %v", id, err)
        }
    }

    deadline := time.Now().Add(time.Second)
    for b.Metrics().Connections != 0 {
        if time.Now().After(deadline) {
            t.Fatalf("aborted mailboxes retained past linger: %d", b.Metrics().Connections)
        }
        time.Sleep(10 * time.Millisecond)
    }
}

func TestLatePollWithinLingerSeesAbort(t *testing.T) {
    b := New(Options{AbortLinger: time.Minute})
    id := transport.ConnectionID("c1")
    b.Publish(id, []byte(`1`))
    b.Abort(context.Background(), id)

    resp, err := b.Receive(context.Background(), id, 0, false, 100)
    if err != nil {
        t.Fatalf("receive: %v", err)
    }
    if !resp.Aborted {
        t.Fatalf("late poll missed the disconnect notification: %+v", resp)
    }
    // delivery drops the mailbox ahead of the linger timer
    if got := b.Metrics().Connections; got != 0 {
        t.Fatalf("mailbox retained after delivered abort: %d", got)
    }
}
