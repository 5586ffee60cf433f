package osdp

import "testing"

func TestCommandQueueFIFOOrderAndCapacity(t *testing.T) {
	q := newCommandQueue(2)
	if err := q.push(Command{Kind: CmdOutput, Output: OutputCommand{OutputNo: 1}}); err != nil {
		t.Fatalf("push 1: %v", err)
	}
	if err := q.push(Command{Kind: CmdOutput, Output: OutputCommand{OutputNo: 2}}); err != nil {
		t.Fatalf("push 2: %v", err)
	}
	if err := q.push(Command{Kind: CmdOutput, Output: OutputCommand{OutputNo: 3}}); !IsResourceError(err) {
		t.Fatalf("push 3: err = %v, want *ResourceError", err)
	}

	c, ok := q.pop()
	if !ok || c.Output.OutputNo != 1 {
		t.Fatalf("pop 1: got %+v ok=%v, want OutputNo=1", c, ok)
	}
	if err := q.push(Command{Kind: CmdOutput, Output: OutputCommand{OutputNo: 3}}); err != nil {
		t.Fatalf("push 3 after free: %v", err)
	}
	c, ok = q.pop()
	if !ok || c.Output.OutputNo != 2 {
		t.Fatalf("pop 2: got %+v ok=%v, want OutputNo=2", c, ok)
	}
	c, ok = q.pop()
	if !ok || c.Output.OutputNo != 3 {
		t.Fatalf("pop 3: got %+v ok=%v, want OutputNo=3", c, ok)
	}
	if _, ok := q.pop(); ok {
		t.Fatalf("pop on empty queue succeeded")
	}
}

func TestEventQueueFIFOOrderAndCapacity(t *testing.T) {
	q := newEventQueue(1)
	if err := q.push(Event{Kind: EventKeypress, Keypress: KeypressEvent{Reader: 1}}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.push(Event{Kind: EventKeypress}); !IsResourceError(err) {
		t.Fatalf("push over capacity: err = %v, want *ResourceError", err)
	}
	e, ok := q.pop()
	if !ok || e.Keypress.Reader != 1 {
		t.Fatalf("pop: got %+v ok=%v", e, ok)
	}
}
