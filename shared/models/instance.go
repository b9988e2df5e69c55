// shared/models/instance.go
package models

import (
	"fmt"
	"time"
)

// InstanceStatus is the lifecycle state an instance reports for itself.
type InstanceStatus string

const (
	StatusHealthy   InstanceStatus = "healthy"
	StatusUnhealthy InstanceStatus = "unhealthy"
	StatusStarting  InstanceStatus = "starting"
	StatusStopping  InstanceStatus = "stopping"
)

// Performance is the resource snapshot an instance attaches to its heartbeat.
type Performance struct {
	CPUUsage        float64 `json:"cpuUsage"`        // percent, 0..100
	MemoryUsage     float64 `json:"memoryUsage"`     // percent, 0..100
	MemoryUsedMB    float64 `json:"memoryUsedMB"`    //
	MemoryTotalMB   float64 `json:"memoryTotalMB"`   //
	ActiveBattles   int     `json:"activeBattles"`   //
	QueuedPlayers   int     `json:"queuedPlayers"`   //
	AvgResponseTime float64 `json:"avgResponseTime"` // milliseconds
	ErrorRate       float64 `json:"errorRate"`       // 0..1
	LastUpdated     int64   `json:"lastUpdated"`     // unix ms
}

// ServiceInstance is the registry record of one matchmaker process.
type ServiceInstance struct {
	ID            string            `json:"id"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	RPCAddress    string            `json:"rpcAddress,omitempty"`
	Region        string            `json:"region,omitempty"`
	Status        InstanceStatus    `json:"status"`
	LastHeartbeat int64             `json:"lastHeartbeat"` // unix ms
	Connections   int               `json:"connections"`
	Load          float64           `json:"load"` // 0..1
	Performance   Performance       `json:"performance"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// BaseURL is the HTTP root other instances use for RPC and probes.
func (i ServiceInstance) BaseURL() string {
	if i.RPCAddress != "" {
		return "http://" + i.RPCAddress
	}
	return fmt.Sprintf("http://%s:%d", i.Host, i.Port)
}

// HeartbeatAge returns how long ago the last heartbeat was written.
func (i ServiceInstance) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(i.LastHeartbeat))
}

// IsHealthy reports whether the instance is healthy and its heartbeat is younger than timeout.
func (i ServiceInstance) IsHealthy(now time.Time, timeout time.Duration) bool {
	return i.Status == StatusHealthy && i.HeartbeatAge(now) < timeout
}
