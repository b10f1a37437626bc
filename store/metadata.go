package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// Metadata key names shared by the MBTiles metadata table and the XYZ
// metadata.json file.
const (
	keyName        = "name"
	keyDescription = "description"
	keyAttribution = "attribution"
	keyVersion     = "version"
	keyFormat      = "format"
	keyMinZoom     = "minzoom"
	keyMaxZoom     = "maxzoom"
	keyBounds      = "bounds"
	keyCenter      = "center"
	keyJSON        = "json"
)

// VectorLayer describes one layer of a vector tile set, as carried in the
// metadata "json" blob.
type VectorLayer struct {
	ID          string            `json:"id"`
	Description string            `json:"description,omitempty"`
	MinZoom     *int              `json:"minzoom,omitempty"`
	MaxZoom     *int              `json:"maxzoom,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// Metadata is the archive-level record. Well-known fields are typed;
// anything else a producer wrote rides along in Extra so unknown keys
// survive a read-modify-write cycle.
type Metadata struct {
	Name         string
	Description  string
	Attribution  string
	Version      string
	Format       string
	MinZoom      *int
	MaxZoom      *int
	Bounds       *orb.Bound
	Center       *[3]float64 // lon, lat, zoom
	VectorLayers []VectorLayer
	Extra        map[string]string
}

// ToMap flattens the set fields into metadata key/value rows.
func (m *Metadata) ToMap() (map[string]string, error) {
	out := make(map[string]string)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.Name != "" {
		out[keyName] = m.Name
	}
	if m.Description != "" {
		out[keyDescription] = m.Description
	}
	if m.Attribution != "" {
		out[keyAttribution] = m.Attribution
	}
	if m.Version != "" {
		out[keyVersion] = m.Version
	}
	if m.Format != "" {
		out[keyFormat] = m.Format
	}
	if m.MinZoom != nil {
		out[keyMinZoom] = strconv.Itoa(*m.MinZoom)
	}
	if m.MaxZoom != nil {
		out[keyMaxZoom] = strconv.Itoa(*m.MaxZoom)
	}
	if m.Bounds != nil {
		out[keyBounds] = fmt.Sprintf("%g,%g,%g,%g",
			m.Bounds.Min[0], m.Bounds.Min[1], m.Bounds.Max[0], m.Bounds.Max[1])
	}
	if m.Center != nil {
		out[keyCenter] = fmt.Sprintf("%g,%g,%g", m.Center[0], m.Center[1], m.Center[2])
	}
	if len(m.VectorLayers) > 0 {
		blob, err := json.Marshal(struct {
			VectorLayers []VectorLayer `json:"vector_layers"`
		}{m.VectorLayers})
		if err != nil {
			return nil, fmt.Errorf("encoding vector layers: %w", err)
		}
		out[keyJSON] = string(blob)
	}
	return out, nil
}

// MetadataFromMap parses metadata rows back into the structured record.
// Values that fail to parse are kept verbatim in Extra rather than
// rejected, so a foreign archive still opens.
func MetadataFromMap(rows map[string]string) *Metadata {
	m := &Metadata{}
	for k, v := range rows {
		switch k {
		case keyName:
			m.Name = v
		case keyDescription:
			m.Description = v
		case keyAttribution:
			m.Attribution = v
		case keyVersion:
			m.Version = v
		case keyFormat:
			m.Format = v
		case keyMinZoom:
			if z, err := strconv.Atoi(v); err == nil {
				m.MinZoom = &z
			} else {
				m.extra(k, v)
			}
		case keyMaxZoom:
			if z, err := strconv.Atoi(v); err == nil {
				m.MaxZoom = &z
			} else {
				m.extra(k, v)
			}
		case keyBounds:
			if b, err := parseBounds(v); err == nil {
				m.Bounds = b
			} else {
				m.extra(k, v)
			}
		case keyCenter:
			if c, err := parseCenter(v); err == nil {
				m.Center = c
			} else {
				m.extra(k, v)
			}
		case keyJSON:
			var blob struct {
				VectorLayers []VectorLayer `json:"vector_layers"`
			}
			if err := json.Unmarshal([]byte(v), &blob); err == nil && len(blob.VectorLayers) > 0 {
				m.VectorLayers = blob.VectorLayers
			} else {
				m.extra(k, v)
			}
		default:
			m.extra(k, v)
		}
	}
	return m
}

func (m *Metadata) extra(k, v string) {
	if m.Extra == nil {
		m.Extra = make(map[string]string)
	}
	m.Extra[k] = v
}

func parseBounds(s string) (*orb.Bound, error) {
	vals, err := parseFloats(s, 4)
	if err != nil {
		return nil, err
	}
	return &orb.Bound{
		Min: orb.Point{vals[0], vals[1]},
		Max: orb.Point{vals[2], vals[3]},
	}, nil
}

func parseCenter(s string) (*[3]float64, error) {
	vals, err := parseFloats(s, 3)
	if err != nil {
		return nil, err
	}
	return &[3]float64{vals[0], vals[1], vals[2]}, nil
}

func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d comma-separated values, got %d", n, len(parts))
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
