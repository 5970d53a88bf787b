// internal/usb/find.go
package usb

import (
	"fmt"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"github.com/rogovsky/openhantek-1/internal/hantek/models"
)

// FindDevices scans the bus for supported oscilloscopes, matching both
// flashed devices and devices still waiting for firmware. Nothing is
// opened during the scan; the returned devices are disconnected handles.
func FindDevices(usbCtx *gousb.Context, config Config, logger *zap.Logger) ([]*Device, error) {
	var found []*Device
	_, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		vendorID, productID := uint16(desc.Vendor), uint16(desc.Product)
		model := models.ByFlashedID(vendorID, productID)
		if model == nil {
			model = models.ByRawID(vendorID, productID)
		}
		if model == nil {
			return false
		}
		logger.Info("Found supported device",
			zap.String("model", model.Name),
			zap.String("device", fmt.Sprintf("%04x:%04x", vendorID, productID)),
			zap.Int("bus", desc.Bus),
			zap.Int("address", desc.Address),
		)
		found = append(found, NewDevice(NewGousbBackend(usbCtx, desc), model, config, logger))
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan usb bus: %w", err)
	}
	return found, nil
}
