package ccp

import (
	"bytes"
	"testing"
)

func Test_ControlRoundTrip(t *testing.T) {
	c := &RouteControl{
		Mode:                    ModeSync,
		LastKnownRoutingTableID: [16]byte{1, 2, 3, 4},
		LastKnownEpoch:          42,
		Features:                []string{"tranche"},
	}
	raw, err := SerializeControl(c)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DeserializeControl(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Mode != c.Mode || got.LastKnownEpoch != c.LastKnownEpoch ||
		got.LastKnownRoutingTableID != c.LastKnownRoutingTableID ||
		len(got.Features) != 1 || got.Features[0] != "tranche" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	raw2, _ := SerializeControl(got)
	if !bytes.Equal(raw, raw2) {
		t.Error("re-serialization not byte identical")
	}
}

func Test_UpdateRoundTrip(t *testing.T) {
	u := &RouteUpdate{
		RoutingTableID: [16]byte{9, 9, 9},
		CurrentEpoch:   10,
		FromEpoch:      8,
		ToEpoch:        10,
		HoldDownTimeMs: 45000,
		Speaker:        "g.us.conn",
		NewRoutes: []Route{
			{Prefix: "g.eu", Path: []string{"g.us.conn", "g.eu.conn"}, Auth: [32]byte{7}, Props: nil},
			{Prefix: "g.asia", Path: nil, Auth: [32]byte{}, Props: []string{"backup"}},
		},
		WithdrawnRoutes: []string{"g.dead"},
	}
	raw, err := SerializeUpdate(u)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DeserializeUpdate(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentEpoch != 10 || got.FromEpoch != 8 || got.ToEpoch != 10 ||
		got.Speaker != u.Speaker || got.HoldDownTimeMs != 45000 {
		t.Errorf("header mismatch: %+v", got)
	}
	if len(got.NewRoutes) != 2 || got.NewRoutes[0].Prefix != "g.eu" ||
		len(got.NewRoutes[0].Path) != 2 || got.NewRoutes[0].Auth != u.NewRoutes[0].Auth {
		t.Errorf("routes mismatch: %+v", got.NewRoutes)
	}
	if len(got.WithdrawnRoutes) != 1 || got.WithdrawnRoutes[0] != "g.dead" {
		t.Errorf("withdrawn mismatch: %+v", got.WithdrawnRoutes)
	}
	raw2, _ := SerializeUpdate(got)
	if !bytes.Equal(raw, raw2) {
		t.Error("re-serialization not byte identical")
	}

	t.Run("Truncated refused", func(t *testing.T) {
		for _, cut := range []int{3, 17, len(raw) - 1} {
			if _, err := DeserializeUpdate(raw[:cut]); err == nil {
				t.Errorf("expected error at cut %d", cut)
			}
		}
	})
}

func Test_RouteLoop(t *testing.T) {
	r := Route{Prefix: "g.x", Path: []string{"g.a", "g.b"}}
	if !r.ContainsHop("g.b") || r.ContainsHop("g.c") {
		t.Error("ContainsHop wrong")
	}
}
