// Package config parses and validates the engine's option set (spec §6):
// the map[string]string every CommInit/CommPrepare/Initialize call in the
// corpus accepts verbatim and this package turns into a typed, validated
// Options value up front, the way the teacher's cmd/ublk-mem turns its flag
// set into a validated ublk.Params before calling CreateAndServe.
package config

import (
	"net"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/kvxfer/engine/internal/constants"
	"github.com/kvxfer/engine/internal/errs"
)

// Role is the cluster's advertised role in a link (spec §6's `role`).
type Role string

const (
	RolePrompt  Role = "prompt"
	RoleDecoder Role = "decoder"
	RoleMix     Role = "mix"
)

// MemPoolConfig is the decoded form of the `mem_pool_config`/
// `host_mem_pool_config` JSON blob (spec §6).
type MemPoolConfig struct {
	MemorySize int64 `json:"memory_size"`
}

// Options is the fully parsed, validated option set a caller's
// map[string]string resolves to.
type Options struct {
	DeviceID                    int
	Role                        Role
	MemPool                     MemPoolConfig
	HostMemPool                 *MemPoolConfig
	SyncKVCacheWaitTimeMs       int
	ListenIP                    net.IP
	ListenPort                  int
	EnableRemoteCacheAccessible bool
	LinkRetryCount              int
	LinkTotalTimeS              float64
}

// Parse validates raw against spec §6's recognized keys and returns the
// typed Options it describes. Unrecognized keys are ignored, matching the
// fabric's own config maps being forwarded opaquely past anything this
// engine doesn't itself interpret.
func Parse(raw map[string]string) (*Options, error) {
	const op = "config.Parse"
	opts := &Options{
		SyncKVCacheWaitTimeMs: int(constants.DefaultRequestTimeout.Milliseconds()),
		LinkRetryCount:        constants.DefaultLinkRetryCount,
	}

	deviceIDStr, ok := raw["device_id"]
	if !ok {
		return nil, errs.New(op, errs.ParamInvalid, "device_id is required")
	}
	deviceID, err := strconv.Atoi(deviceIDStr)
	if err != nil {
		return nil, errs.Wrap(op, errs.ParamInvalid, err, "device_id must be an integer")
	}
	opts.DeviceID = deviceID

	if roleStr, ok := raw["role"]; ok {
		role := Role(roleStr)
		switch role {
		case RolePrompt, RoleDecoder, RoleMix:
			opts.Role = role
		default:
			return nil, errs.Newf(op, errs.ParamInvalid, "role %q must be one of prompt, decoder, mix", roleStr)
		}
	}

	memPoolStr, ok := raw["mem_pool_config"]
	if !ok || strings.TrimSpace(memPoolStr) == "" {
		return nil, errs.New(op, errs.ParamInvalid, "mem_pool_config is required")
	}
	if err := jsoniter.UnmarshalFromString(memPoolStr, &opts.MemPool); err != nil {
		return nil, errs.Wrap(op, errs.ParamInvalid, err, "mem_pool_config is not valid JSON")
	}
	if opts.MemPool.MemorySize <= 0 {
		return nil, errs.New(op, errs.ParamInvalid, "mem_pool_config.memory_size must be positive")
	}

	if hostMemPoolStr, ok := raw["host_mem_pool_config"]; ok && strings.TrimSpace(hostMemPoolStr) != "" {
		var hp MemPoolConfig
		if err := jsoniter.UnmarshalFromString(hostMemPoolStr, &hp); err != nil {
			return nil, errs.Wrap(op, errs.ParamInvalid, err, "host_mem_pool_config is not valid JSON")
		}
		if hp.MemorySize <= 0 {
			return nil, errs.New(op, errs.ParamInvalid, "host_mem_pool_config.memory_size must be positive")
		}
		opts.HostMemPool = &hp
	}

	if waitStr, ok := raw["sync_kv_cache_wait_time_ms"]; ok {
		wait, err := strconv.Atoi(waitStr)
		if err != nil || wait <= 0 {
			return nil, errs.New(op, errs.ParamInvalid, "sync_kv_cache_wait_time_ms must be a positive integer")
		}
		opts.SyncKVCacheWaitTimeMs = wait
	}

	if listenStr, ok := raw["listen_ip_info"]; ok {
		host, portStr, err := net.SplitHostPort(listenStr)
		if err != nil {
			return nil, errs.Wrap(op, errs.ParamInvalid, err, "listen_ip_info must be \"ip:port\"")
		}
		ip := net.ParseIP(host)
		if ip == nil || ip.To4() == nil {
			return nil, errs.Newf(op, errs.ParamInvalid, "listen_ip_info host %q is not a valid IPv4 address", host)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, errs.Newf(op, errs.ParamInvalid, "listen_ip_info port %q is invalid", portStr)
		}
		opts.ListenIP = ip
		opts.ListenPort = port
	}

	if enableStr, ok := raw["enable_remote_cache_accessible"]; ok {
		switch enableStr {
		case "0":
			opts.EnableRemoteCacheAccessible = false
		case "1":
			opts.EnableRemoteCacheAccessible = true
		default:
			return nil, errs.Newf(op, errs.ParamInvalid, "enable_remote_cache_accessible %q must be \"0\" or \"1\"", enableStr)
		}
	}

	if retryStr, ok := raw["link_retry_count"]; ok {
		retry, err := strconv.Atoi(retryStr)
		if err != nil || retry < constants.MinLinkRetryCount || retry > constants.MaxLinkRetryCount {
			return nil, errs.Newf(op, errs.ParamInvalid, "link_retry_count must be an integer in [%d,%d]", constants.MinLinkRetryCount, constants.MaxLinkRetryCount)
		}
		opts.LinkRetryCount = retry
	}

	if totalStr, ok := raw["link_total_time_s"]; ok {
		total, err := strconv.ParseFloat(totalStr, 64)
		if err != nil || total < 0 {
			return nil, errs.New(op, errs.ParamInvalid, "link_total_time_s must be a non-negative number")
		}
		opts.LinkTotalTimeS = total
	}

	return opts, nil
}
