package rofsock

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func testMessage(xid uint32) *Message {
	return &Message{Version: Version13, Type: TypeEchoRequest, Xid: xid, Kind: KindEchoRequest}
}

func TestQueueSet_StoreAlwaysSignals(t *testing.T) {
	var wakeups atomic.Int32
	qs := NewQueueSet(DefaultClassConfigs(), func() { wakeups.Add(1) })

	for i := 0; i < 100; i++ {
		depth, err := qs.Store(ClassPacket, testMessage(uint32(i)))
		if err != nil {
			t.Fatalf("Store failed: %v", err)
		}
		if depth != i+1 {
			t.Fatalf("depth = %d, want %d", depth, i+1)
		}
	}
	if got := wakeups.Load(); got != 100 {
		t.Errorf("wakeups = %d, want 100", got)
	}
	if qs.Depth(ClassPacket) != 100 {
		t.Errorf("Depth = %d, want 100", qs.Depth(ClassPacket))
	}
}

func TestQueueSet_DrainRespectsQuotas(t *testing.T) {
	var wakeups atomic.Int32
	qs := NewQueueSet([]ClassConfig{{Quota: 8}, {Quota: 4}, {Quota: 2}}, func() { wakeups.Add(1) })

	for i := 0; i < 10; i++ {
		_, _ = qs.Store(ClassManagement, testMessage(uint32(i)))
	}
	_, _ = qs.Store(ClassFlow, testMessage(100))
	_, _ = qs.Store(ClassPacket, testMessage(200))
	wakeups.Store(0)

	perClass := make(map[PriorityClass]int)
	var order []PriorityClass
	sent, pending := qs.Drain(func(c PriorityClass, m *Message) error {
		perClass[c]++
		order = append(order, c)
		return nil
	})

	if sent != 10 {
		t.Errorf("sent = %d, want 10", sent)
	}
	if perClass[ClassManagement] != 8 || perClass[ClassFlow] != 1 || perClass[ClassPacket] != 1 {
		t.Errorf("per class = %v, want 8/1/1", perClass)
	}
	if !pending {
		t.Error("expected backlog to be reported")
	}
	if qs.Depth(ClassManagement) != 2 {
		t.Errorf("management depth = %d, want 2", qs.Depth(ClassManagement))
	}
	if wakeups.Load() != 1 {
		t.Errorf("wakeups after drain = %d, want 1", wakeups.Load())
	}

	// classes are visited in order
	for i := 1; i < len(order); i++ {
		if order[i] < order[i-1] {
			t.Fatalf("class %s sent after %s", order[i], order[i-1])
		}
	}

	sent, pending = qs.Drain(func(PriorityClass, *Message) error { return nil })
	if sent != 2 || pending {
		t.Errorf("second drain = (%d, %v), want (2, false)", sent, pending)
	}
	if wakeups.Load() != 1 {
		t.Error("an empty backlog must not re-signal")
	}
}

func TestQueueSet_FIFOWithinClass(t *testing.T) {
	qs := NewQueueSet([]ClassConfig{{Quota: 100}}, nil)
	for i := 0; i < 20; i++ {
		_, _ = qs.Store(ClassManagement, testMessage(uint32(i)))
	}

	var xids []uint32
	qs.Drain(func(_ PriorityClass, m *Message) error {
		xids = append(xids, m.Xid)
		return nil
	})
	for i, xid := range xids {
		if xid != uint32(i) {
			t.Fatalf("position %d carries xid %d", i, xid)
		}
	}
}

func TestQueueSet_SinkErrorSkipsOneMessage(t *testing.T) {
	qs := NewQueueSet([]ClassConfig{{Quota: 4}}, nil)
	for i := 0; i < 3; i++ {
		_, _ = qs.Store(ClassManagement, testMessage(uint32(i)))
	}

	var delivered []uint32
	sent, pending := qs.Drain(func(_ PriorityClass, m *Message) error {
		if m.Xid == 1 {
			return errors.New("send failed")
		}
		delivered = append(delivered, m.Xid)
		return nil
	})

	if sent != 2 || pending {
		t.Errorf("drain = (%d, %v), want (2, false)", sent, pending)
	}
	if len(delivered) != 2 || delivered[0] != 0 || delivered[1] != 2 {
		t.Errorf("delivered = %v, want [0 2]", delivered)
	}
}

func TestQueueSet_Capacity(t *testing.T) {
	var wakeups atomic.Int32
	qs := NewQueueSet([]ClassConfig{{Quota: 1, Capacity: 2}}, func() { wakeups.Add(1) })

	for i := 0; i < 2; i++ {
		if _, err := qs.Store(ClassManagement, testMessage(uint32(i))); err != nil {
			t.Fatalf("Store %d failed: %v", i, err)
		}
	}
	depth, err := qs.Store(ClassManagement, testMessage(2))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if depth != 2 {
		t.Errorf("depth = %d, want 2", depth)
	}
	if wakeups.Load() != 3 {
		t.Errorf("wakeups = %d, want 3", wakeups.Load())
	}
}

func TestQueueSet_ZeroQuotaBecomesOne(t *testing.T) {
	qs := NewQueueSet([]ClassConfig{{Quota: 0}}, nil)
	_, _ = qs.Store(ClassManagement, testMessage(1))
	_, _ = qs.Store(ClassManagement, testMessage(2))

	sent, pending := qs.Drain(func(PriorityClass, *Message) error { return nil })
	if sent != 1 || !pending {
		t.Errorf("drain = (%d, %v), want (1, true)", sent, pending)
	}
}

func TestQueueSet_Clear(t *testing.T) {
	qs := NewQueueSet(DefaultClassConfigs(), nil)
	_, _ = qs.Store(ClassManagement, testMessage(1))
	_, _ = qs.Store(ClassFlow, testMessage(2))
	_, _ = qs.Store(ClassPacket, testMessage(3))

	if !qs.Pending() {
		t.Fatal("expected pending messages")
	}
	if dropped := qs.Clear(); dropped != 3 {
		t.Errorf("Clear = %d, want 3", dropped)
	}
	if qs.Pending() {
		t.Error("queues should be empty after Clear")
	}

	sent, _ := qs.Drain(func(PriorityClass, *Message) error {
		t.Error("sink called after Clear")
		return nil
	})
	if sent != 0 {
		t.Errorf("sent = %d, want 0", sent)
	}
}

func TestQueueSet_UnknownClass(t *testing.T) {
	qs := NewQueueSet(DefaultClassConfigs(), nil)
	if _, err := qs.Store(PriorityClass(7), testMessage(1)); !errors.Is(err, ErrUnknownClass) {
		t.Errorf("err = %v, want ErrUnknownClass", err)
	}
	if qs.Depth(PriorityClass(-1)) != 0 {
		t.Error("unknown class should report zero depth")
	}
	if qs.Classes() != 3 {
		t.Errorf("Classes = %d, want 3", qs.Classes())
	}
}

func TestQueueSet_ConcurrentStore(t *testing.T) {
	qs := NewQueueSet(DefaultClassConfigs(), nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = qs.Store(PriorityClass(g%3), testMessage(uint32(i)))
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for c := 0; c < qs.Classes(); c++ {
		total += qs.Depth(PriorityClass(c))
	}
	if total != 400 {
		t.Errorf("total depth = %d, want 400", total)
	}
}

func TestPriorityClass_String(t *testing.T) {
	tests := map[PriorityClass]string{
		ClassManagement:  "management",
		ClassFlow:        "flow",
		ClassPacket:      "packet",
		PriorityClass(5): "class-5",
	}
	for c, want := range tests {
		if c.String() != want {
			t.Errorf("String() = %q, want %q", c.String(), want)
		}
	}
}
