package devmodel

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinyvirt/virtpci/internal/pci"
	"github.com/tinyvirt/virtpci/internal/virtio"
)

const testFeatures = 1<<virtio.FeatureVersion1 | 1<<virtio.FeatureRingReset | 1<<virtio.FeatureAdminVQ

func defaultTestConfig() Config {
	return Config{
		DeviceID:      1,
		Features:      testFeatures,
		QueueMaxSizes: []uint16{256, 64},
		AdminQueue:    true,
		Members: map[uint64]*Member{
			1: {DeviceCfg: make([]byte, 64)},
		},
	}
}

func newTransport(t *testing.T, dev *Device) *virtio.Transport {
	t.Helper()
	caps, err := pci.ScanCapabilities(dev)
	if err != nil {
		t.Fatalf("ScanCapabilities: %v", err)
	}
	transport, err := virtio.NewTransportFromCapabilities(caps, dev.MapBAR)
	if err != nil {
		t.Fatalf("NewTransportFromCapabilities: %v", err)
	}
	return transport
}

// bringUp drives the transport to DRIVER_OK with all queues configured.
func bringUp(t *testing.T, dev *Device) (*virtio.Transport, []virtio.Queue) {
	t.Helper()
	transport := newTransport(t, dev)
	if err := transport.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := transport.Acknowledge(); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if err := transport.SetDriver(); err != nil {
		t.Fatalf("SetDriver: %v", err)
	}
	if _, err := transport.Negotiate(testFeatures); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	queues, err := transport.ConfigureQueues(dev.Memory(), dev.Allocator(), virtio.QueueOptions{})
	if err != nil {
		t.Fatalf("ConfigureQueues: %v", err)
	}
	if err := transport.SetDriverOK(); err != nil {
		t.Fatalf("SetDriverOK: %v", err)
	}
	return transport, queues
}

func TestCapabilityLayout(t *testing.T) {
	dev := New(defaultTestConfig())
	caps, err := pci.ScanCapabilities(dev)
	if err != nil {
		t.Fatalf("ScanCapabilities: %v", err)
	}
	if len(caps) != 4 {
		t.Fatalf("expected 4 capabilities, got %d", len(caps))
	}
	notify, ok := pci.FindCapability(caps, pci.CfgTypeNotify)
	if !ok {
		t.Fatal("no notify capability")
	}
	if notify.NotifyOffMultiplier != notifyMultiplier {
		t.Errorf("notify multiplier %d, want %d", notify.NotifyOffMultiplier, notifyMultiplier)
	}
}

func TestStatusStateMachine(t *testing.T) {
	t.Run("BitsAccumulate", func(t *testing.T) {
		dev := New(defaultTestConfig())
		transport := newTransport(t, dev)
		if err := transport.Reset(); err != nil {
			t.Fatalf("Reset: %v", err)
		}
		if err := transport.Acknowledge(); err != nil {
			t.Fatalf("Acknowledge: %v", err)
		}
		if err := transport.SetDriver(); err != nil {
			t.Fatalf("SetDriver: %v", err)
		}
		status, err := transport.Status()
		if err != nil {
			t.Fatal(err)
		}
		want := uint8(virtio.StatusAcknowledge | virtio.StatusDriver)
		if status != want {
			t.Errorf("status = %#x, want %#x", status, want)
		}
	})

	t.Run("DriverOKRequiresFeaturesOK", func(t *testing.T) {
		dev := New(defaultTestConfig())
		transport := newTransport(t, dev)
		if err := transport.Reset(); err != nil {
			t.Fatal(err)
		}
		if err := transport.Acknowledge(); err != nil {
			t.Fatal(err)
		}
		if err := transport.SetDriver(); err != nil {
			t.Fatal(err)
		}
		if err := transport.SetDriverOK(); err == nil {
			t.Fatal("DRIVER_OK accepted before FEATURES_OK")
		}
	})

	t.Run("ResetClearsStatus", func(t *testing.T) {
		dev := New(defaultTestConfig())
		transport, _ := bringUp(t, dev)
		if err := transport.Reset(); err != nil {
			t.Fatalf("Reset: %v", err)
		}
		status, err := transport.Status()
		if err != nil {
			t.Fatal(err)
		}
		if status != 0 {
			t.Errorf("status after reset = %#x, want 0", status)
		}
	})
}

func TestResetSluggishDevice(t *testing.T) {
	t.Run("SettlesWithinBound", func(t *testing.T) {
		cfg := defaultTestConfig()
		cfg.ResetLag = 10
		dev := New(cfg)
		transport := newTransport(t, dev)
		if err := transport.Acknowledge(); err != nil {
			t.Fatal(err)
		}
		if err := transport.Reset(); err != nil {
			t.Fatalf("Reset with sluggish device: %v", err)
		}
	})

	t.Run("TimesOut", func(t *testing.T) {
		cfg := defaultTestConfig()
		cfg.ResetLag = 1 << 20
		dev := New(cfg)
		transport := newTransport(t, dev)
		if err := transport.Acknowledge(); err != nil {
			t.Fatal(err)
		}
		if err := transport.Reset(); !errors.Is(err, virtio.ErrResetTimeout) {
			t.Fatalf("expected ErrResetTimeout, got %v", err)
		}
		if !transport.Failed() {
			t.Error("transport not failed after reset timeout")
		}
	})
}

func TestFeatureNegotiation(t *testing.T) {
	t.Run("Intersection", func(t *testing.T) {
		dev := New(defaultTestConfig())
		transport := newTransport(t, dev)
		if err := transport.Reset(); err != nil {
			t.Fatal(err)
		}
		driverSet := uint64(testFeatures) | 1<<virtio.FeatureRingEventIdx
		negotiated, err := transport.Negotiate(driverSet)
		if err != nil {
			t.Fatalf("Negotiate: %v", err)
		}
		if negotiated != testFeatures {
			t.Errorf("negotiated %#x, want %#x", negotiated, uint64(testFeatures))
		}
		if !transport.FeatureNegotiated(virtio.FeatureAdminVQ) {
			t.Error("admin vq feature not reported as negotiated")
		}
		if transport.FeatureNegotiated(virtio.FeatureRingEventIdx) {
			t.Error("event idx reported negotiated but the device never offered it")
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		dev := New(defaultTestConfig())
		transport := newTransport(t, dev)
		if err := transport.Reset(); err != nil {
			t.Fatal(err)
		}
		first, err := transport.Negotiate(testFeatures)
		if err != nil {
			t.Fatal(err)
		}
		second, err := transport.Negotiate(testFeatures)
		if err != nil {
			t.Fatalf("second Negotiate: %v", err)
		}
		if first != second {
			t.Errorf("negotiation not idempotent: %#x then %#x", first, second)
		}
	})

	t.Run("Rejection", func(t *testing.T) {
		cfg := defaultTestConfig()
		cfg.RejectFeatures = true
		dev := New(cfg)
		transport := newTransport(t, dev)
		if err := transport.Reset(); err != nil {
			t.Fatal(err)
		}
		if _, err := transport.Negotiate(testFeatures); !errors.Is(err, virtio.ErrFeaturesRejected) {
			t.Fatalf("expected ErrFeaturesRejected, got %v", err)
		}
		if !transport.Failed() {
			t.Error("transport not failed after rejection")
		}
		if err := transport.Acknowledge(); !errors.Is(err, virtio.ErrDeviceFailed) {
			t.Errorf("status write on failed transport: got %v, want ErrDeviceFailed", err)
		}

		// Reset recovers the transport (the device keeps rejecting, but the
		// state machine is usable again).
		if err := transport.Reset(); err != nil {
			t.Fatalf("Reset after rejection: %v", err)
		}
		if transport.Failed() {
			t.Error("transport still failed after reset")
		}
	})
}

func TestDeviceConfigAccess(t *testing.T) {
	t.Run("GenerationGuardedRead", func(t *testing.T) {
		cfg := defaultTestConfig()
		cfg.DeviceCfg = []byte{0xDE, 0xAD, 0xBE, 0xEF}
		dev := New(cfg)
		transport := newTransport(t, dev)

		buf := make([]byte, 4)
		if err := transport.ReadDeviceConfig(0, buf); err != nil {
			t.Fatalf("ReadDeviceConfig: %v", err)
		}
		if !bytes.Equal(buf, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
			t.Errorf("read %x", buf)
		}
	})

	t.Run("WriteReadBack", func(t *testing.T) {
		dev := New(defaultTestConfig())
		transport := newTransport(t, dev)
		if err := transport.WriteDeviceConfig(8, []byte{1, 2, 3}); err != nil {
			t.Fatalf("WriteDeviceConfig: %v", err)
		}
		buf := make([]byte, 3)
		if err := transport.ReadDeviceConfig(8, buf); err != nil {
			t.Fatalf("ReadDeviceConfig: %v", err)
		}
		if !bytes.Equal(buf, []byte{1, 2, 3}) {
			t.Errorf("read back %x", buf)
		}
	})

	t.Run("UnstableGeneration", func(t *testing.T) {
		cfg := defaultTestConfig()
		cfg.GenerationChurn = true
		dev := New(cfg)
		transport := newTransport(t, dev)

		buf := make([]byte, 4)
		if err := transport.ReadDeviceConfig(0, buf); !errors.Is(err, virtio.ErrConfigUnstable) {
			t.Fatalf("expected ErrConfigUnstable, got %v", err)
		}
	})
}

func TestQueueConfiguration(t *testing.T) {
	t.Run("AllQueues", func(t *testing.T) {
		dev := New(defaultTestConfig())
		transport := newTransport(t, dev)
		if err := transport.Reset(); err != nil {
			t.Fatal(err)
		}
		queues, err := transport.ConfigureQueues(dev.Memory(), dev.Allocator(), virtio.QueueOptions{})
		if err != nil {
			t.Fatalf("ConfigureQueues: %v", err)
		}
		// Two regular queues plus the admin queue.
		if len(queues) != 3 {
			t.Fatalf("%d queues configured, want 3", len(queues))
		}
		if queues[0].Size != 256 || queues[1].Size != 64 || queues[2].Size != adminQueueSize {
			t.Errorf("queue sizes %d/%d/%d", queues[0].Size, queues[1].Size, queues[2].Size)
		}
		for _, q := range queues {
			if q.DescAddr%virtio.VringAlign != 0 || q.AvailAddr%virtio.VringAlign != 0 || q.UsedAddr%virtio.VringAlign != 0 {
				t.Errorf("queue %d rings not aligned: %#x/%#x/%#x", q.Index, q.DescAddr, q.AvailAddr, q.UsedAddr)
			}
		}
	})

	t.Run("NotifyData", func(t *testing.T) {
		dev := New(defaultTestConfig())
		transport := newTransport(t, dev)
		if err := transport.Reset(); err != nil {
			t.Fatal(err)
		}
		data, err := transport.QueueNotifyData(1)
		if err != nil {
			t.Fatalf("QueueNotifyData: %v", err)
		}
		if data != 1 {
			t.Errorf("notify data %d, want the queue index", data)
		}
	})

	t.Run("SizeCap", func(t *testing.T) {
		dev := New(defaultTestConfig())
		transport := newTransport(t, dev)
		if err := transport.Reset(); err != nil {
			t.Fatal(err)
		}
		queues, err := transport.ConfigureQueues(dev.Memory(), dev.Allocator(), virtio.QueueOptions{SizeCap: 128})
		if err != nil {
			t.Fatalf("ConfigureQueues: %v", err)
		}
		if queues[0].Size != 128 {
			t.Errorf("queue 0 size %d, want capped 128", queues[0].Size)
		}
		if queues[1].Size != 64 {
			t.Errorf("queue 1 size %d, want uncapped 64", queues[1].Size)
		}
	})

	t.Run("AbsentQueue", func(t *testing.T) {
		cfg := defaultTestConfig()
		cfg.QueueMaxSizes = []uint16{256, 0, 64}
		dev := New(cfg)
		transport := newTransport(t, dev)
		if err := transport.Reset(); err != nil {
			t.Fatal(err)
		}
		queues, err := transport.ConfigureQueues(dev.Memory(), dev.Allocator(), virtio.QueueOptions{})
		if err != nil {
			t.Fatalf("ConfigureQueues: %v", err)
		}
		if !queues[1].Absent() {
			t.Error("queue 1 should be absent")
		}
		if queues[0].Absent() || queues[2].Absent() {
			t.Error("present queues reported absent")
		}
	})

	t.Run("EnableRejected", func(t *testing.T) {
		cfg := defaultTestConfig()
		cfg.RejectQueueEnable = map[uint16]bool{1: true}
		dev := New(cfg)
		transport := newTransport(t, dev)
		if err := transport.Reset(); err != nil {
			t.Fatal(err)
		}
		_, err := transport.ConfigureQueues(dev.Memory(), dev.Allocator(), virtio.QueueOptions{})
		if !errors.Is(err, virtio.ErrQueueEnableRejected) {
			t.Fatalf("expected ErrQueueEnableRejected, got %v", err)
		}
		if !transport.Failed() {
			t.Error("transport not failed after enable rejection")
		}
	})

	t.Run("QueueReset", func(t *testing.T) {
		dev := New(defaultTestConfig())
		transport := newTransport(t, dev)
		if err := transport.Reset(); err != nil {
			t.Fatal(err)
		}
		if _, err := transport.ConfigureQueue(0, dev.Memory(), dev.Allocator(), virtio.QueueOptions{}); err != nil {
			t.Fatal(err)
		}
		if err := transport.ResetQueue(0); err != nil {
			t.Fatalf("ResetQueue: %v", err)
		}
		// A reset queue can be configured again from scratch.
		if _, err := transport.ConfigureQueue(0, dev.Memory(), dev.Allocator(), virtio.QueueOptions{}); err != nil {
			t.Fatalf("reconfigure after reset: %v", err)
		}
	})
}

func TestQueueDataPath(t *testing.T) {
	dev := New(defaultTestConfig())
	transport, queues := bringUp(t, dev)

	mem := dev.Memory()
	vr, err := virtio.NewVring(mem, queues[0])
	if err != nil {
		t.Fatalf("NewVring: %v", err)
	}

	payload := []byte("ping")
	reqAddr, err := dev.Allocator().Allocate(uint64(len(payload)), 16)
	if err != nil {
		t.Fatal(err)
	}
	respAddr, err := dev.Allocator().Allocate(16, 16)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mem.WriteAt(payload, int64(reqAddr)); err != nil {
		t.Fatal(err)
	}

	head, err := vr.Post([]virtio.Buffer{
		{Addr: reqAddr, Len: uint32(len(payload))},
		{Addr: respAddr, Len: 16, DeviceWritable: true},
	})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if err := transport.NotifyQueue(queues[0]); err != nil {
		t.Fatalf("NotifyQueue: %v", err)
	}

	elem, ok, err := vr.Reap()
	if err != nil || !ok {
		t.Fatalf("Reap: ok=%v err=%v", ok, err)
	}
	if elem.Head != head {
		t.Errorf("reaped head %d, want %d", elem.Head, head)
	}
	if elem.Len != uint32(len(payload)) {
		t.Errorf("reaped len %d, want %d", elem.Len, len(payload))
	}

	echoed := make([]byte, len(payload))
	if _, err := mem.ReadAt(echoed, int64(respAddr)); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(echoed, payload) {
		t.Errorf("echoed %q, want %q", echoed, payload)
	}

	isr, err := transport.ReadISR()
	if err != nil {
		t.Fatalf("ReadISR: %v", err)
	}
	if isr&0x1 == 0 {
		t.Error("queue interrupt bit not set in ISR")
	}
}

func newAdminQueue(t *testing.T, dev *Device) *virtio.AdminQueue {
	t.Helper()
	transport, queues := bringUp(t, dev)
	index, count, err := transport.AdminQueueIndex()
	if err != nil {
		t.Fatalf("AdminQueueIndex: %v", err)
	}
	if count != 1 {
		t.Fatalf("admin_queue_num = %d, want 1", count)
	}
	aq, err := virtio.NewAdminQueue(transport, queues[index], dev.Memory(), dev.Allocator())
	if err != nil {
		t.Fatalf("NewAdminQueue: %v", err)
	}
	return aq
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAdminChannel(t *testing.T) {
	t.Run("ListQueryAndUse", func(t *testing.T) {
		dev := New(defaultTestConfig())
		aq := newAdminQueue(t, dev)
		ctx := testContext(t)

		opcodes, err := aq.ListQuery(ctx)
		if err != nil {
			t.Fatalf("ListQuery: %v", err)
		}
		if opcodes != 0x7F {
			t.Errorf("opcode bitmap %#x, want 0x7f", opcodes)
		}
		if err := aq.ListUse(ctx, opcodes); err != nil {
			t.Fatalf("ListUse: %v", err)
		}
	})

	t.Run("LegacyCommonCfgRoundTrip", func(t *testing.T) {
		dev := New(defaultTestConfig())
		aq := newAdminQueue(t, dev)
		ctx := testContext(t)

		regs := []byte{0x11, 0x22, 0x33, 0x44}
		if err := aq.LegacyCommonCfgWrite(ctx, 1, virtio.VIRTIO_PCI_GUEST_FEATURES, regs); err != nil {
			t.Fatalf("LegacyCommonCfgWrite: %v", err)
		}
		got, err := aq.LegacyCommonCfgRead(ctx, 1, virtio.VIRTIO_PCI_GUEST_FEATURES, 4)
		if err != nil {
			t.Fatalf("LegacyCommonCfgRead: %v", err)
		}
		if !bytes.Equal(got, regs) {
			t.Errorf("read back %x, want %x", got, regs)
		}
	})

	t.Run("LegacyDeviceCfgRoundTrip", func(t *testing.T) {
		dev := New(defaultTestConfig())
		aq := newAdminQueue(t, dev)
		ctx := testContext(t)

		if err := aq.LegacyDeviceCfgWrite(ctx, 1, 4, []byte{0xAA, 0xBB}); err != nil {
			t.Fatalf("LegacyDeviceCfgWrite: %v", err)
		}
		got, err := aq.LegacyDeviceCfgRead(ctx, 1, 4, 2)
		if err != nil {
			t.Fatalf("LegacyDeviceCfgRead: %v", err)
		}
		if !bytes.Equal(got, []byte{0xAA, 0xBB}) {
			t.Errorf("read back %x", got)
		}
	})

	t.Run("LegacyAccessOutOfWindow", func(t *testing.T) {
		dev := New(defaultTestConfig())
		aq := newAdminQueue(t, dev)
		ctx := testContext(t)

		if err := aq.LegacyCommonCfgWrite(ctx, 1, 22, []byte{1, 2, 3, 4}); !errors.Is(err, virtio.ErrOutOfRegionBounds) {
			t.Fatalf("expected ErrOutOfRegionBounds, got %v", err)
		}
	})

	t.Run("StaleMemberRejected", func(t *testing.T) {
		dev := New(defaultTestConfig())
		aq := newAdminQueue(t, dev)
		ctx := testContext(t)

		_, err := aq.LegacyCommonCfgRead(ctx, 42, 0, 4)
		var cmdErr *virtio.AdminCommandError
		if !errors.As(err, &cmdErr) {
			t.Fatalf("expected AdminCommandError, got %v", err)
		}
		if cmdErr.Qualifier != QualInvalidMember {
			t.Errorf("qualifier %#x, want %#x", cmdErr.Qualifier, QualInvalidMember)
		}
	})

	t.Run("UnsupportedOpcodeRejected", func(t *testing.T) {
		dev := New(defaultTestConfig())
		aq := newAdminQueue(t, dev)
		ctx := testContext(t)

		_, err := aq.Submit(ctx, virtio.AdminCommand{
			Opcode:    0x99,
			GroupType: virtio.VIRTIO_ADMIN_GROUP_TYPE_SRIOV,
		}, 0)
		var cmdErr *virtio.AdminCommandError
		if !errors.As(err, &cmdErr) {
			t.Fatalf("expected AdminCommandError, got %v", err)
		}
		if cmdErr.Qualifier != QualUnsupportedOpcode {
			t.Errorf("qualifier %#x, want %#x", cmdErr.Qualifier, QualUnsupportedOpcode)
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		cfg := defaultTestConfig()
		cfg.DropAdminCommands = true
		dev := New(cfg)
		aq := newAdminQueue(t, dev)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := aq.ListQuery(ctx)
		if !errors.Is(err, virtio.ErrAdminTimeout) {
			t.Fatalf("expected ErrAdminTimeout, got %v", err)
		}
	})
}

func TestNotifyInfo(t *testing.T) {
	t.Run("Entries", func(t *testing.T) {
		cfg := defaultTestConfig()
		cfg.Members[1].NotifyInfo = []virtio.NotifyInfo{
			{Flags: virtio.NotifyFlagOwnerDevice, Bar: 2, Offset: 0x0},
			{Flags: virtio.NotifyFlagOwnerMemory, Bar: 0, Offset: 0x3000},
		}
		dev := New(cfg)
		aq := newAdminQueue(t, dev)

		info, err := aq.QueryNotifyInfo(testContext(t), 1)
		if err != nil {
			t.Fatalf("QueryNotifyInfo: %v", err)
		}
		if len(info) != 2 {
			t.Fatalf("%d entries, want 2 (stale bytes past the end marker must be ignored)", len(info))
		}
		if info[0].Flags != virtio.NotifyFlagOwnerDevice || info[0].Bar != 2 {
			t.Errorf("entry 0: %+v", info[0])
		}
		if info[1].Flags != virtio.NotifyFlagOwnerMemory || info[1].Offset != 0x3000 {
			t.Errorf("entry 1: %+v", info[1])
		}
	})

	t.Run("Empty", func(t *testing.T) {
		dev := New(defaultTestConfig())
		aq := newAdminQueue(t, dev)

		info, err := aq.QueryNotifyInfo(testContext(t), 1)
		if err != nil {
			t.Fatalf("QueryNotifyInfo: %v", err)
		}
		if len(info) != 0 {
			t.Errorf("%d entries, want none", len(info))
		}
	})
}
