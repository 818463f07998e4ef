package ble_test

import (
	"context"
	"errors"
	"testing"

	"github.com/slimhive/slimhub/internal/ble"
)

const charSensor = "4eab0502-6bef-11ee-b962-10012002809a"

func TestFakeScanNameFilter(t *testing.T) {
	t.Parallel()

	tr := ble.NewFakeTransport()
	tr.AddAdvertisement(ble.Advertisement{Addr: "AA:00:00:00:00:01", Name: "ADL-7"})
	tr.AddAdvertisement(ble.Advertisement{Addr: "AA:00:00:00:00:02", Name: "Thermostat"})

	ads, err := tr.Scan(context.Background(), ble.ScanFilter{NamePrefix: "ADL"})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(ads) != 1 || ads[0].Name != "ADL-7" {
		t.Errorf("ads = %+v, want only ADL-7", ads)
	}
}

func TestFakeConnectFailuresThenSuccess(t *testing.T) {
	t.Parallel()

	tr := ble.NewFakeTransport()
	dev := ble.NewFakeDevice("AA:00:00:00:00:01")
	tr.AddDevice(dev)
	tr.FailConnects(dev.Addr(), 2)

	ctx := context.Background()
	for range 2 {
		if _, err := tr.Connect(ctx, dev.Addr()); !errors.Is(err, ble.ErrLink) {
			t.Fatalf("Connect: err = %v, want ErrLink", err)
		}
	}
	d, err := tr.Connect(ctx, dev.Addr())
	if err != nil {
		t.Fatalf("Connect after failures: %v", err)
	}
	if d.Addr() != dev.Addr() {
		t.Errorf("Addr = %s", d.Addr())
	}
	if !dev.Connected() {
		t.Error("device not marked connected")
	}
}

func TestFakeCharacteristicRoundTrip(t *testing.T) {
	t.Parallel()

	dev := ble.NewFakeDevice("AA:00:00:00:00:01")
	seeded := dev.AddCharacteristic(charSensor)
	seeded.SetValue([]byte{0x01})

	c, err := dev.Characteristic(charSensor)
	if err != nil {
		t.Fatalf("Characteristic: %v", err)
	}

	ctx := context.Background()
	got, err := c.Read(ctx)
	if err != nil || len(got) != 1 || got[0] != 0x01 {
		t.Fatalf("Read = %v, %v", got, err)
	}

	if err := c.Write(ctx, []byte{0xAB, 0xCD}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	writes := seeded.Writes()
	if len(writes) != 1 || writes[0][0] != 0xAB {
		t.Errorf("writes = %v", writes)
	}

	if _, err := dev.Characteristic("ffff0000-0000-0000-0000-000000000000"); !errors.Is(err, ble.ErrNotFound) {
		t.Errorf("missing characteristic: err = %v, want ErrNotFound", err)
	}
}

func TestFakeNotifyAndStop(t *testing.T) {
	t.Parallel()

	dev := ble.NewFakeDevice("AA:00:00:00:00:01")
	ch := dev.AddCharacteristic(charSensor)

	var got [][]byte
	stop, err := ch.Notify(func(v []byte) { got = append(got, v) })
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if ch.Subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", ch.Subscribers())
	}

	ch.Push([]byte{1})
	ch.Push([]byte{2})
	stop()
	stop() // idempotent
	ch.Push([]byte{3})

	if len(got) != 2 {
		t.Errorf("delivered = %d notifications, want 2", len(got))
	}
	if ch.Subscribers() != 0 {
		t.Errorf("subscribers after stop = %d", ch.Subscribers())
	}
}

func TestFakeClosedTransport(t *testing.T) {
	t.Parallel()

	tr := ble.NewFakeTransport()
	tr.AddDevice(ble.NewFakeDevice("AA:00:00:00:00:01"))
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ctx := context.Background()
	if _, err := tr.Scan(ctx, ble.ScanFilter{}); !errors.Is(err, ble.ErrClosed) {
		t.Errorf("Scan: err = %v, want ErrClosed", err)
	}
	if _, err := tr.Connect(ctx, "AA:00:00:00:00:01"); !errors.Is(err, ble.ErrClosed) {
		t.Errorf("Connect: err = %v, want ErrClosed", err)
	}
}
