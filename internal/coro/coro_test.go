package coro_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/kmrgirish/corosched/internal/coro"
)

func TestStartNextYieldFinish(t *testing.T) {
	defer goleak.VerifyNone(t)

	var log []string
	var c coro.Coro
	c.Start(func() {
		defer c.Finish()
		log = append(log, "start")
		c.Yield()
		log = append(log, "resumed")
		c.Yield()
		log = append(log, "done")
	})
	log = append(log, "outside 1")
	c.Next()
	log = append(log, "outside 2")
	c.Next()
	log = append(log, "outside 3")

	want := []string{"start", "outside 1", "resumed", "outside 2", "done", "outside 3"}
	if diff := cmp.Diff(want, log); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestAttachWaitRelease(t *testing.T) {
	defer goleak.VerifyNone(t)

	var c coro.Coro
	c.Attach()
	if !c.Attached() {
		t.Fatal("expected attached")
	}

	steps := make(chan string, 10)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Wait()
		steps <- "outside saw yield"
		c.Next()
		steps <- "outside saw release"
	}()

	steps <- "inside running"
	c.Yield()
	steps <- "inside resumed"
	c.Release()
	<-done
	close(steps)

	var got []string
	for s := range steps {
		got = append(got, s)
	}
	want := []string{"inside running", "outside saw yield", "inside resumed", "outside saw release"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
}
