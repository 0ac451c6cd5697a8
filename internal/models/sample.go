package models

import "time"

// Sample is one timestamped observation for one resource. Each kind stores
// its rows in its own append-only table; rows are never updated, only
// superseded by newer samples in query results.
type Sample interface {
	GetResourceID() string
	GetTimestamp() time.Time
	Kind() ResourceKind
	// Metrics returns the numeric view of the payload used by alert
	// evaluation and rollups.
	Metrics() map[string]float64
	// Available reports the reachability signal for the kind. Server
	// samples are always available: a server that reports at all is up.
	Available() bool
}

// ServerMetrics is the wire payload pushed by server agents. Field names
// match the agent schema exactly.
type ServerMetrics struct {
	CPUUsagePercent    float64 `json:"cpuUsagePercent" validate:"min=0,max=100"`
	MemoryUsedMB       uint64  `json:"memoryUsedMb"`
	MemoryTotalMB      uint64  `json:"memoryTotalMb" validate:"required"`
	MemoryUsagePercent float64 `json:"memoryUsagePercent" validate:"min=0,max=100"`
	DiskUsedMB         uint64  `json:"diskUsedMb"`
	DiskTotalMB        uint64  `json:"diskTotalMb" validate:"required"`
	DiskUsagePercent   float64 `json:"diskUsagePercent" validate:"min=0,max=100"`
	NetworkInBytes     uint64  `json:"networkInBytes"`
	NetworkOutBytes    uint64  `json:"networkOutBytes"`
	ProcessCount       int     `json:"processCount" validate:"min=0"`
	LoadAvg1m          float64 `json:"loadAvg1m" validate:"min=0"`
	LoadAvg5m          float64 `json:"loadAvg5m" validate:"min=0"`
	LoadAvg15m         float64 `json:"loadAvg15m" validate:"min=0"`
	UptimeSeconds      uint64  `json:"uptimeSeconds"`
}

// WebsiteMetrics is the result of one HTTP check, pushed by check producers.
type WebsiteMetrics struct {
	StatusCode     int     `json:"statusCode" validate:"min=0,max=599"`
	ResponseTimeMs float64 `json:"responseTimeMs" validate:"min=0"`
	DNSTimeMs      float64 `json:"dnsTimeMs" validate:"min=0"`
	ConnectTimeMs  float64 `json:"connectTimeMs" validate:"min=0"`
	TTFBMs         float64 `json:"ttfbMs" validate:"min=0"`
	Available      bool    `json:"available"`
}

// NetworkMetrics is the result of one ping/port check.
type NetworkMetrics struct {
	LatencyMs         float64 `json:"latencyMs" validate:"min=0"`
	PacketLossPercent float64 `json:"packetLossPercent" validate:"min=0,max=100"`
	Available         bool    `json:"available"`
}

// DatabaseMetrics is one observation of database connection/query stats.
type DatabaseMetrics struct {
	ActiveConnections     int     `json:"activeConnections" validate:"min=0"`
	MaxConnections        int     `json:"maxConnections" validate:"min=0"`
	QueriesPerSecond      float64 `json:"queriesPerSecond" validate:"min=0"`
	ReplicationLagSeconds float64 `json:"replicationLagSeconds" validate:"min=0"`
	Available             bool    `json:"available"`
}

type ServerSample struct {
	ID         uint64    `gorm:"primaryKey" json:"-"`
	ResourceID string    `gorm:"size:64;not null;index:idx_server_samples_res_ts,priority:1" json:"resource_id"`
	Timestamp  time.Time `gorm:"not null;index:idx_server_samples_res_ts,priority:2" json:"timestamp"`

	CPUUsagePercent    float64 `json:"cpu_usage_percent"`
	MemoryUsedMB       uint64  `json:"memory_used_mb"`
	MemoryTotalMB      uint64  `json:"memory_total_mb"`
	MemoryUsagePercent float64 `json:"memory_usage_percent"`
	DiskUsedMB         uint64  `json:"disk_used_mb"`
	DiskTotalMB        uint64  `json:"disk_total_mb"`
	DiskUsagePercent   float64 `json:"disk_usage_percent"`
	NetworkInBytes     uint64  `json:"network_in_bytes"`
	NetworkOutBytes    uint64  `json:"network_out_bytes"`
	ProcessCount       int     `json:"process_count"`
	LoadAvg1m          float64 `json:"load_avg_1m"`
	LoadAvg5m          float64 `json:"load_avg_5m"`
	LoadAvg15m         float64 `json:"load_avg_15m"`
	UptimeSeconds      uint64  `json:"uptime_seconds"`
}

func (ServerSample) TableName() string {
	return "server_samples"
}

func NewServerSample(resourceID string, ts time.Time, m ServerMetrics) *ServerSample {
	return &ServerSample{
		ResourceID:         resourceID,
		Timestamp:          ts,
		CPUUsagePercent:    m.CPUUsagePercent,
		MemoryUsedMB:       m.MemoryUsedMB,
		MemoryTotalMB:      m.MemoryTotalMB,
		MemoryUsagePercent: m.MemoryUsagePercent,
		DiskUsedMB:         m.DiskUsedMB,
		DiskTotalMB:        m.DiskTotalMB,
		DiskUsagePercent:   m.DiskUsagePercent,
		NetworkInBytes:     m.NetworkInBytes,
		NetworkOutBytes:    m.NetworkOutBytes,
		ProcessCount:       m.ProcessCount,
		LoadAvg1m:          m.LoadAvg1m,
		LoadAvg5m:          m.LoadAvg5m,
		LoadAvg15m:         m.LoadAvg15m,
		UptimeSeconds:      m.UptimeSeconds,
	}
}

func (s *ServerSample) GetResourceID() string   { return s.ResourceID }
func (s *ServerSample) GetTimestamp() time.Time { return s.Timestamp }
func (s *ServerSample) Kind() ResourceKind      { return KindServer }
func (s *ServerSample) Available() bool         { return true }

func (s *ServerSample) Metrics() map[string]float64 {
	return map[string]float64{
		"cpuUsagePercent":    s.CPUUsagePercent,
		"memoryUsedMb":       float64(s.MemoryUsedMB),
		"memoryTotalMb":      float64(s.MemoryTotalMB),
		"memoryUsagePercent": s.MemoryUsagePercent,
		"diskUsedMb":         float64(s.DiskUsedMB),
		"diskTotalMb":        float64(s.DiskTotalMB),
		"diskUsagePercent":   s.DiskUsagePercent,
		"networkInBytes":     float64(s.NetworkInBytes),
		"networkOutBytes":    float64(s.NetworkOutBytes),
		"processCount":       float64(s.ProcessCount),
		"loadAvg1m":          s.LoadAvg1m,
		"loadAvg5m":          s.LoadAvg5m,
		"loadAvg15m":         s.LoadAvg15m,
		"uptimeSeconds":      float64(s.UptimeSeconds),
	}
}

type WebsiteSample struct {
	ID         uint64    `gorm:"primaryKey" json:"-"`
	ResourceID string    `gorm:"size:64;not null;index:idx_website_samples_res_ts,priority:1" json:"resource_id"`
	Timestamp  time.Time `gorm:"not null;index:idx_website_samples_res_ts,priority:2" json:"timestamp"`

	StatusCode     int     `json:"status_code"`
	ResponseTimeMs float64 `json:"response_time_ms"`
	DNSTimeMs      float64 `json:"dns_time_ms"`
	ConnectTimeMs  float64 `json:"connect_time_ms"`
	TTFBMs         float64 `json:"ttfb_ms"`
	IsAvailable    bool    `json:"available"`
}

func (WebsiteSample) TableName() string {
	return "website_samples"
}

func NewWebsiteSample(resourceID string, ts time.Time, m WebsiteMetrics) *WebsiteSample {
	return &WebsiteSample{
		ResourceID:     resourceID,
		Timestamp:      ts,
		StatusCode:     m.StatusCode,
		ResponseTimeMs: m.ResponseTimeMs,
		DNSTimeMs:      m.DNSTimeMs,
		ConnectTimeMs:  m.ConnectTimeMs,
		TTFBMs:         m.TTFBMs,
		IsAvailable:    m.Available,
	}
}

func (s *WebsiteSample) GetResourceID() string   { return s.ResourceID }
func (s *WebsiteSample) GetTimestamp() time.Time { return s.Timestamp }
func (s *WebsiteSample) Kind() ResourceKind      { return KindWebsite }
func (s *WebsiteSample) Available() bool         { return s.IsAvailable }

func (s *WebsiteSample) Metrics() map[string]float64 {
	return map[string]float64{
		"statusCode":     float64(s.StatusCode),
		"responseTimeMs": s.ResponseTimeMs,
		"dnsTimeMs":      s.DNSTimeMs,
		"connectTimeMs":  s.ConnectTimeMs,
		"ttfbMs":         s.TTFBMs,
		"available":      boolMetric(s.IsAvailable),
	}
}

type NetworkSample struct {
	ID         uint64    `gorm:"primaryKey" json:"-"`
	ResourceID string    `gorm:"size:64;not null;index:idx_network_samples_res_ts,priority:1" json:"resource_id"`
	Timestamp  time.Time `gorm:"not null;index:idx_network_samples_res_ts,priority:2" json:"timestamp"`

	LatencyMs         float64 `json:"latency_ms"`
	PacketLossPercent float64 `json:"packet_loss_percent"`
	IsAvailable       bool    `json:"available"`
}

func (NetworkSample) TableName() string {
	return "network_samples"
}

func NewNetworkSample(resourceID string, ts time.Time, m NetworkMetrics) *NetworkSample {
	return &NetworkSample{
		ResourceID:        resourceID,
		Timestamp:         ts,
		LatencyMs:         m.LatencyMs,
		PacketLossPercent: m.PacketLossPercent,
		IsAvailable:       m.Available,
	}
}

func (s *NetworkSample) GetResourceID() string   { return s.ResourceID }
func (s *NetworkSample) GetTimestamp() time.Time { return s.Timestamp }
func (s *NetworkSample) Kind() ResourceKind      { return KindNetwork }
func (s *NetworkSample) Available() bool         { return s.IsAvailable }

func (s *NetworkSample) Metrics() map[string]float64 {
	return map[string]float64{
		"latencyMs":         s.LatencyMs,
		"packetLossPercent": s.PacketLossPercent,
		"available":         boolMetric(s.IsAvailable),
	}
}

type DatabaseSample struct {
	ID         uint64    `gorm:"primaryKey" json:"-"`
	ResourceID string    `gorm:"size:64;not null;index:idx_database_samples_res_ts,priority:1" json:"resource_id"`
	Timestamp  time.Time `gorm:"not null;index:idx_database_samples_res_ts,priority:2" json:"timestamp"`

	ActiveConnections     int     `json:"active_connections"`
	MaxConnections        int     `json:"max_connections"`
	QueriesPerSecond      float64 `json:"queries_per_second"`
	ReplicationLagSeconds float64 `json:"replication_lag_seconds"`
	IsAvailable           bool    `json:"available"`
}

func (DatabaseSample) TableName() string {
	return "database_samples"
}

func NewDatabaseSample(resourceID string, ts time.Time, m DatabaseMetrics) *DatabaseSample {
	return &DatabaseSample{
		ResourceID:            resourceID,
		Timestamp:             ts,
		ActiveConnections:     m.ActiveConnections,
		MaxConnections:        m.MaxConnections,
		QueriesPerSecond:      m.QueriesPerSecond,
		ReplicationLagSeconds: m.ReplicationLagSeconds,
		IsAvailable:           m.Available,
	}
}

func (s *DatabaseSample) GetResourceID() string   { return s.ResourceID }
func (s *DatabaseSample) GetTimestamp() time.Time { return s.Timestamp }
func (s *DatabaseSample) Kind() ResourceKind      { return KindDatabase }
func (s *DatabaseSample) Available() bool         { return s.IsAvailable }

func (s *DatabaseSample) Metrics() map[string]float64 {
	return map[string]float64{
		"activeConnections":     float64(s.ActiveConnections),
		"maxConnections":        float64(s.MaxConnections),
		"queriesPerSecond":      s.QueriesPerSecond,
		"replicationLagSeconds": s.ReplicationLagSeconds,
		"available":             boolMetric(s.IsAvailable),
	}
}

func boolMetric(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// MetricRollup is a derived time-bucketed aggregate of raw samples. Not
// authoritative; can always be rebuilt from raw rows.
type MetricRollup struct {
	ID            uint64    `gorm:"primaryKey" json:"-"`
	ResourceID    string    `gorm:"size:64;not null;index:idx_rollups_res_metric_bucket,priority:1" json:"resource_id"`
	Metric        string    `gorm:"size:64;not null;index:idx_rollups_res_metric_bucket,priority:2" json:"metric"`
	BucketStart   time.Time `gorm:"not null;index:idx_rollups_res_metric_bucket,priority:3" json:"bucket_start"`
	BucketSeconds int       `gorm:"not null" json:"bucket_seconds"`
	Avg           float64   `json:"avg"`
	Min           float64   `json:"min"`
	Max           float64   `json:"max"`
	Count         int64     `json:"count"`
	CreatedAt     time.Time `json:"created_at"`
}

func (MetricRollup) TableName() string {
	return "metric_rollups"
}
