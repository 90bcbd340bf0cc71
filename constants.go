package cachecore

import "github.com/cachecore/cachecore/internal/constants"

// Re-export defaults for the public API.
const (
	DefaultVSLSpace     = constants.DefaultVSLSpace
	DefaultVSLRecLen    = constants.DefaultVSLRecLen
	DefaultVSLBuffer    = constants.DefaultVSLBuffer
	DefaultSendTimeout  = constants.DefaultSendTimeout
	DefaultExpirySleep  = constants.DefaultExpirySleep
	DefaultGrace        = constants.DefaultGrace
	WaiterTick          = constants.WaiterTick
	PoolIdleTimeout     = constants.PoolIdleTimeout
	PoolConnectTimeout  = constants.PoolConnectTimeout
	BackendCoolInterval = constants.BackendCoolInterval
	DefaultShardReplicas = constants.DefaultShardReplicas
	DefaultRampupDuration = constants.DefaultRampupDuration
	DirectorMaxResolveDepth = constants.DirectorMaxResolveDepth
	AutoAssignID        = constants.AutoAssignID
)
