package domain

import (
	"fmt"
	"time"
)

// TagSubscription binds a historian tag to the OPC UA node it is read from.
type TagSubscription struct {
	TagID      int64  `yaml:"tag_id" json:"tag_id"`
	NodeID     string `yaml:"node_id" json:"node_id"`
	BrowseName string `yaml:"browse_name" json:"browse_name"`
	DataType   string `yaml:"data_type" json:"data_type"`
}

// ServerConfig is one server entry of the configuration snapshot.
type ServerConfig struct {
	Name             string            `yaml:"name"`
	Endpoint         string            `yaml:"endpoint"`
	SecurityMode     string            `yaml:"security_mode"`
	SecurityPolicy   string            `yaml:"security_policy"`
	Username         string            `yaml:"username"`
	Password         string            `yaml:"password"`
	CertificateFile  string            `yaml:"certificate_file"`
	PrivateKeyFile   string            `yaml:"private_key_file"`
	ApplicationName  string            `yaml:"application_name"`
	PublishInterval  time.Duration     `yaml:"publish_interval"`
	SamplingInterval time.Duration     `yaml:"sampling_interval"`
	DialTimeout      time.Duration     `yaml:"dial_timeout"`
	RequestTimeout   time.Duration     `yaml:"request_timeout"`
	Tags             []TagSubscription `yaml:"tags"`
}

// TagIDs lists the tag identifiers subscribed on this server.
func (s ServerConfig) TagIDs() []int64 {
	ids := make([]int64, 0, len(s.Tags))
	for _, t := range s.Tags {
		ids = append(ids, t.TagID)
	}
	return ids
}

// ApplyDefaults fills connection settings the snapshot may leave empty.
func (s *ServerConfig) ApplyDefaults() {
	if s.Name == "" {
		s.Name = s.Endpoint
	}
	if s.SecurityMode == "" {
		s.SecurityMode = "None"
	}
	if s.SecurityPolicy == "" {
		s.SecurityPolicy = "None"
	}
	if s.ApplicationName == "" {
		s.ApplicationName = "FactoryIQ Collector"
	}
	if s.PublishInterval <= 0 {
		s.PublishInterval = time.Second
	}
	if s.SamplingInterval < 0 {
		s.SamplingInterval = 0
	}
	if s.DialTimeout <= 0 {
		s.DialTimeout = 10 * time.Second
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = 10 * time.Second
	}
}

// Validate checks the snapshot entry is usable for a session.
func (s *ServerConfig) Validate() error {
	if s.Endpoint == "" {
		return fmt.Errorf("server %q: endpoint is required", s.Name)
	}
	if len(s.Tags) == 0 {
		return fmt.Errorf("server %q: at least one tag must be configured", s.Name)
	}
	seen := make(map[int64]struct{}, len(s.Tags))
	for _, t := range s.Tags {
		if t.TagID <= 0 {
			return fmt.Errorf("server %q: tag %q has invalid tag_id %d", s.Name, t.NodeID, t.TagID)
		}
		if t.NodeID == "" {
			return fmt.Errorf("server %q: tag %d has no node_id", s.Name, t.TagID)
		}
		if _, dup := seen[t.TagID]; dup {
			return fmt.Errorf("server %q: duplicate tag_id %d", s.Name, t.TagID)
		}
		seen[t.TagID] = struct{}{}
	}
	return nil
}
