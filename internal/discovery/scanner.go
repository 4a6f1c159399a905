// internal/discovery/scanner.go
package discovery

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"grbl-service/internal/model"
)

// SkipFunc reports ports that must not be probed, such as the one a live
// session holds
type SkipFunc func(port string) bool

// ControllerScanner finds controllers reachable over one transport
type ControllerScanner interface {
	Scan(ctx context.Context, skip SkipFunc) ([]*DiscoveredController, error)
	GetScannerType() string
	IsAvailable() bool
}

// DiscoveredController is a port that answered with a firmware banner
type DiscoveredController struct {
	Port       string          `json:"port"`
	Transport  string          `json:"transport"`
	BaudRate   int             `json:"baud_rate,omitempty"`
	Dialect    string          `json:"dialect"`
	Candidates []string        `json:"candidates,omitempty"`
	Banner     string          `json:"banner"`
	Version    string          `json:"version,omitempty"`
	USB        *model.PortInfo `json:"usb,omitempty"`
}

// ScannerManager runs the registered scanners
type ScannerManager struct {
	scanners map[string]ControllerScanner
	logger   *zap.Logger
}

// NewScannerManager creates a new scanner manager
func NewScannerManager(logger *zap.Logger) *ScannerManager {
	return &ScannerManager{
		scanners: make(map[string]ControllerScanner),
		logger:   logger.With(zap.String("component", "discovery")),
	}
}

// RegisterScanner registers a controller scanner
func (sm *ScannerManager) RegisterScanner(scanner ControllerScanner) {
	scannerType := scanner.GetScannerType()
	sm.scanners[scannerType] = scanner
	sm.logger.Info("Scanner registered", zap.String("type", scannerType))
}

// ScanAll runs every available scanner. A failing scanner is logged and
// skipped.
func (sm *ScannerManager) ScanAll(ctx context.Context, skip SkipFunc) ([]*DiscoveredController, error) {
	var all []*DiscoveredController

	for _, scannerType := range sm.GetAvailableScanners() {
		found, err := sm.scanners[scannerType].Scan(ctx, skip)
		if err != nil {
			sm.logger.Error("Scanner failed", zap.String("type", scannerType), zap.Error(err))
			if ctx.Err() != nil {
				return all, ctx.Err()
			}
			continue
		}

		all = append(all, found...)
		sm.logger.Info("Scanner completed",
			zap.String("type", scannerType),
			zap.Int("controllers_found", len(found)),
		)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Port < all[j].Port })
	return all, nil
}

// ScanByType runs one scanner
func (sm *ScannerManager) ScanByType(ctx context.Context, scannerType string, skip SkipFunc) ([]*DiscoveredController, error) {
	scanner, exists := sm.scanners[scannerType]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScanner, scannerType)
	}
	if !scanner.IsAvailable() {
		return nil, fmt.Errorf("scanner not available: %s", scannerType)
	}
	return scanner.Scan(ctx, skip)
}

// GetAvailableScanners returns the available scanner types in name order
func (sm *ScannerManager) GetAvailableScanners() []string {
	var available []string
	for scannerType, scanner := range sm.scanners {
		if scanner.IsAvailable() {
			available = append(available, scannerType)
		}
	}
	sort.Strings(available)
	return available
}
