package ccp

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/netsys-lab/ilp-connector/ilp"
)

var ErrTruncated = errors.New("ccp: message truncated")

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if n, _ := r.Read(b[:]); n != 4 {
		return 0, ErrTruncated
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 0xffff {
		return errors.Errorf("ccp: string of %d bytes too long", len(s))
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(len(s)))
	buf.Write(b[:])
	buf.WriteString(s)
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	var b [2]byte
	if n, _ := r.Read(b[:]); n != 2 {
		return "", ErrTruncated
	}
	strLen := int(binary.BigEndian.Uint16(b[:]))
	if strLen > r.Len() {
		return "", ErrTruncated
	}
	s := make([]byte, strLen)
	if strLen > 0 {
		if n, _ := r.Read(s); n != strLen {
			return "", ErrTruncated
		}
	}
	return string(s), nil
}

func writeStringList(buf *bytes.Buffer, list []string) error {
	if len(list) > 255 {
		return errors.New("ccp: string list too long")
	}
	buf.WriteByte(byte(len(list)))
	for _, s := range list {
		if err := writeString(buf, s); err != nil {
			return err
		}
	}
	return nil
}

func readStringList(r *bytes.Reader) ([]string, error) {
	count, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	list := make([]string, 0, count)
	for i := 0; i < int(count); i++ {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, nil
}

// SerializeControl encodes a RouteControl message.
func SerializeControl(c *RouteControl) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(c.Mode)
	buf.Write(c.LastKnownRoutingTableID[:])
	writeU32(&buf, c.LastKnownEpoch)
	if err := writeStringList(&buf, c.Features); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DeserializeControl decodes a RouteControl message.
func DeserializeControl(b []byte) (*RouteControl, error) {
	r := bytes.NewReader(b)
	mode, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	if mode != ModeIdle && mode != ModeSync {
		return nil, errors.Errorf("ccp: unknown mode %d", mode)
	}
	c := &RouteControl{Mode: mode}
	if n, _ := r.Read(c.LastKnownRoutingTableID[:]); n != 16 {
		return nil, ErrTruncated
	}
	if c.LastKnownEpoch, err = readU32(r); err != nil {
		return nil, err
	}
	if c.Features, err = readStringList(r); err != nil {
		return nil, err
	}
	return c, nil
}

// SerializeUpdate encodes a RouteUpdate message.
func SerializeUpdate(u *RouteUpdate) ([]byte, error) {
	if len(u.NewRoutes) > 0xffff || len(u.WithdrawnRoutes) > 0xffff {
		return nil, errors.New("ccp: update too large")
	}
	var buf bytes.Buffer
	buf.Write(u.RoutingTableID[:])
	writeU32(&buf, u.CurrentEpoch)
	writeU32(&buf, u.FromEpoch)
	writeU32(&buf, u.ToEpoch)
	writeU32(&buf, u.HoldDownTimeMs)
	if err := writeString(&buf, string(u.Speaker)); err != nil {
		return nil, err
	}
	var count [2]byte
	binary.BigEndian.PutUint16(count[:], uint16(len(u.NewRoutes)))
	buf.Write(count[:])
	for _, route := range u.NewRoutes {
		if err := writeString(&buf, route.Prefix); err != nil {
			return nil, err
		}
		if err := writeStringList(&buf, route.Path); err != nil {
			return nil, err
		}
		buf.Write(route.Auth[:])
		if err := writeStringList(&buf, route.Props); err != nil {
			return nil, err
		}
	}
	binary.BigEndian.PutUint16(count[:], uint16(len(u.WithdrawnRoutes)))
	buf.Write(count[:])
	for _, prefix := range u.WithdrawnRoutes {
		if err := writeString(&buf, prefix); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DeserializeUpdate decodes a RouteUpdate message.
func DeserializeUpdate(b []byte) (*RouteUpdate, error) {
	r := bytes.NewReader(b)
	u := &RouteUpdate{}
	if n, _ := r.Read(u.RoutingTableID[:]); n != 16 {
		return nil, ErrTruncated
	}
	var err error
	if u.CurrentEpoch, err = readU32(r); err != nil {
		return nil, err
	}
	if u.FromEpoch, err = readU32(r); err != nil {
		return nil, err
	}
	if u.ToEpoch, err = readU32(r); err != nil {
		return nil, err
	}
	if u.HoldDownTimeMs, err = readU32(r); err != nil {
		return nil, err
	}
	speaker, err := readString(r)
	if err != nil {
		return nil, err
	}
	u.Speaker = ilp.Address(speaker)
	var count [2]byte
	if n, _ := r.Read(count[:]); n != 2 {
		return nil, ErrTruncated
	}
	routeCount := int(binary.BigEndian.Uint16(count[:]))
	u.NewRoutes = make([]Route, 0, routeCount)
	for i := 0; i < routeCount; i++ {
		var route Route
		if route.Prefix, err = readString(r); err != nil {
			return nil, err
		}
		if route.Path, err = readStringList(r); err != nil {
			return nil, err
		}
		if n, _ := r.Read(route.Auth[:]); n != 32 {
			return nil, ErrTruncated
		}
		if route.Props, err = readStringList(r); err != nil {
			return nil, err
		}
		u.NewRoutes = append(u.NewRoutes, route)
	}
	if n, _ := r.Read(count[:]); n != 2 {
		return nil, ErrTruncated
	}
	withdrawnCount := int(binary.BigEndian.Uint16(count[:]))
	u.WithdrawnRoutes = make([]string, 0, withdrawnCount)
	for i := 0; i < withdrawnCount; i++ {
		prefix, err := readString(r)
		if err != nil {
			return nil, err
		}
		u.WithdrawnRoutes = append(u.WithdrawnRoutes, prefix)
	}
	return u, nil
}
