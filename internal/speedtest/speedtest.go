// Package speedtest measures WAN throughput from the router's LAN side so a
// queue-rule change can be checked against real bandwidth. Results are kept
// in a JSON history file.
package speedtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	st "github.com/showwin/speedtest-go/speedtest"
)

// Result is one completed measurement.
type Result struct {
	Timestamp    time.Time `json:"timestamp"`
	DownloadMbps float64   `json:"downloadMbps"`
	UploadMbps   float64   `json:"uploadMbps"`
	PingMs       float64   `json:"pingMs"`
	ServerName   string    `json:"serverName"`
	ServerHost   string    `json:"serverHost"`
	ISP          string    `json:"isp"`
	Duration     string    `json:"duration"`
}

type Config struct {
	HistoryFile string
}

// Service runs measurements one at a time; a second Run while one is in
// flight returns an error instead of queueing.
type Service struct {
	cfg Config
	log zerolog.Logger

	runMu   sync.Mutex
	running bool

	histMu sync.Mutex
}

func New(cfg Config, log zerolog.Logger) *Service {
	return &Service{cfg: cfg, log: log}
}

// Run performs a full download/upload test against the lowest-latency server
// and appends the result to the history file.
func (s *Service) Run(ctx context.Context) (Result, error) {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return Result{}, fmt.Errorf("speedtest already running")
	}
	s.running = true
	s.runMu.Unlock()
	defer func() {
		s.runMu.Lock()
		s.running = false
		s.runMu.Unlock()
	}()

	start := time.Now()
	stc := st.New()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return Result{}, fmt.Errorf("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	srv := servers[0]

	if err := srv.PingTestContext(ctx, nil); err != nil {
		return Result{}, fmt.Errorf("ping test: %w", err)
	}
	if err := srv.DownloadTestContext(ctx); err != nil {
		return Result{}, fmt.Errorf("download test: %w", err)
	}
	if err := srv.UploadTestContext(ctx); err != nil {
		return Result{}, fmt.Errorf("upload test: %w", err)
	}

	res := Result{
		Timestamp:    time.Now(),
		DownloadMbps: srv.DLSpeed.Mbps(),
		UploadMbps:   srv.ULSpeed.Mbps(),
		PingMs:       float64(srv.Latency.Milliseconds()),
		ServerName:   srv.Sponsor,
		ServerHost:   srv.Host,
		ISP:          user.Isp,
		Duration:     time.Since(start).Round(time.Millisecond).String(),
	}

	stc.Snapshots().Clean()
	stc.Reset()

	if err := s.append(res); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist speedtest result")
	}
	s.log.Info().
		Float64("down_mbps", res.DownloadMbps).
		Float64("up_mbps", res.UploadMbps).
		Float64("ping_ms", res.PingMs).
		Str("server", res.ServerName).
		Msg("speedtest completed")
	return res, nil
}

// History returns recorded results, newest first.
func (s *Service) History() ([]Result, error) {
	s.histMu.Lock()
	defer s.histMu.Unlock()

	results, err := s.readHistory()
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.After(results[j].Timestamp)
	})
	return results, nil
}
