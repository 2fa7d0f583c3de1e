// Package config loads the ambient engine- and span-level settings from
// an INI file using gopkg.in/ini.v1. This is engine configuration only;
// it does not parse any admin command grammar.
package config

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"

	"github.com/dtnstack/ioncore/pkg/contactplan"
	"github.com/dtnstack/ioncore/pkg/ltp"
)

// EngineConfig is the top-level [engine] section: options that apply
// once per local LTP engine rather than per span.
type EngineConfig struct {
	LocalEngineID             uint64
	EstimatedMaxExportSessions int
	PayloadClassFloors        [contactplan.NumPayloadClasses]uint64
}

// SpanOverride is one [span "<remote-engine-id>"] section. Every field
// is optional; zero values fall back to ltp.DefaultSpanConfig.
type SpanOverride struct {
	RemoteEngineID   uint64
	MaxExportSessions int
	MaxImportSessions int
	MaxSegmentSize    int
	AggrSizeLimit     uint64
	AggrTimeLimit     time.Duration
	OwnQtime          time.Duration
	RemoteQtime       time.Duration
	ErrorsPerByte     float64
	EnforceSchedule   bool
	MaxAcqInHeap      uint64
	MaxInboundOccupancy uint64
	Purge             bool
}

// Config is everything one ioncore process loads at startup: the engine
// section plus zero or more per-span overrides, keyed by remote engine id.
type Config struct {
	Engine EngineConfig
	Spans  map[uint64]SpanOverride
}

// Load parses file (a path, []byte, or io.Reader, per ini.Load) into a
// Config. Missing optional keys keep their Go zero value; ApplySpan then
// falls back to ltp.DefaultSpanConfig for anything left unset.
func Load(file any) (*Config, error) {
	f, err := ini.Load(file)
	if err != nil {
		return nil, fmt.Errorf("config: load: %w", err)
	}

	cfg := &Config{Spans: make(map[uint64]SpanOverride)}

	engineSection := f.Section("engine")
	cfg.Engine.LocalEngineID = engineSection.Key("local_engine_id").MustUint64(0)
	cfg.Engine.EstimatedMaxExportSessions = engineSection.Key("estimated_max_export_sessions").MustInt(64)
	for class := 0; class < contactplan.NumPayloadClasses; class++ {
		key := fmt.Sprintf("payload_class_floor_%d", class)
		cfg.Engine.PayloadClassFloors[class] = engineSection.Key(key).MustUint64(0)
	}

	for _, section := range f.Sections() {
		remoteEngineID, ok := parseSpanSectionName(section.Name())
		if !ok {
			continue
		}
		cfg.Spans[remoteEngineID] = SpanOverride{
			RemoteEngineID:    remoteEngineID,
			MaxExportSessions: section.Key("max_export_sessions").MustInt(0),
			MaxImportSessions: section.Key("max_import_sessions").MustInt(0),
			MaxSegmentSize:    section.Key("max_segment_size").MustInt(0),
			AggrSizeLimit:     section.Key("aggr_size_limit").MustUint64(0),
			AggrTimeLimit:     section.Key("aggr_time_limit").MustDuration(0),
			OwnQtime:          section.Key("own_qtime").MustDuration(0),
			RemoteQtime:       section.Key("remote_qtime").MustDuration(0),
			ErrorsPerByte:     section.Key("errors_per_byte").MustFloat64(0),
			EnforceSchedule:   section.Key("enforce_schedule").MustBool(false),
			MaxAcqInHeap:      section.Key("max_acq_in_heap").MustUint64(0),
			MaxInboundOccupancy: section.Key("max_inbound_occupancy").MustUint64(0),
			Purge:             section.Key("purge").MustBool(false),
		}
	}

	return cfg, nil
}

// parseSpanSectionName extracts the remote engine id from a
// `[span "<id>"]` section name, as ini.v1 renders it.
func parseSpanSectionName(name string) (uint64, bool) {
	const prefix = "span "
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return 0, false
	}
	var id uint64
	raw := name[len(prefix):]
	// ini.v1 quotes subsection names as `"123"`; strip the quotes.
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		raw = raw[1 : len(raw)-1]
	}
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
		return 0, false
	}
	return id, true
}

// ApplySpan builds the ltp.SpanConfig for remoteEngineID, starting from
// ltp.DefaultSpanConfig and overlaying any non-zero fields from a loaded
// [span "..."] section.
func (c *Config) ApplySpan(remoteEngineID uint64) ltp.SpanConfig {
	base := ltp.DefaultSpanConfig(remoteEngineID)
	override, ok := c.Spans[remoteEngineID]
	if !ok {
		return base
	}
	if override.MaxExportSessions > 0 {
		base.MaxExportSessions = override.MaxExportSessions
	}
	if override.MaxImportSessions > 0 {
		base.MaxImportSessions = override.MaxImportSessions
	}
	if override.MaxSegmentSize > 0 {
		base.MaxSegmentSize = override.MaxSegmentSize
	}
	if override.AggrSizeLimit > 0 {
		base.AggrSizeLimit = override.AggrSizeLimit
	}
	if override.AggrTimeLimit > 0 {
		base.AggrTimeLimit = override.AggrTimeLimit
	}
	if override.OwnQtime > 0 {
		base.OwnQtime = override.OwnQtime
	}
	if override.RemoteQtime > 0 {
		base.RemoteQtime = override.RemoteQtime
	}
	if override.ErrorsPerByte > 0 {
		base.ErrorsPerByte = override.ErrorsPerByte
	}
	if override.MaxAcqInHeap > 0 {
		base.MaxAcqInHeap = override.MaxAcqInHeap
	}
	if override.MaxInboundOccupancy > 0 {
		base.MaxInboundOccupancy = override.MaxInboundOccupancy
	}
	base.EnforceSchedule = override.EnforceSchedule
	base.Purge = override.Purge
	return base
}
