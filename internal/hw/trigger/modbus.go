package trigger

import (
	"errors"
	"fmt"
	"time"

	"github.com/goburrow/modbus"

	"github.com/cjeanneret/ScanGo/internal/debug"
)

const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

type coilWriter interface {
	WriteSingleCoil(address, value uint16) ([]byte, error)
}

// ModbusConfig locates the coil that gates the acquisition hardware.
type ModbusConfig struct {
	Endpoint string
	UnitID   uint8
	Address  uint16
	Timeout  time.Duration
}

// ModbusCoil sets a coil on a Modbus TCP I/O module then clears it,
// one edge pair per acquisition.
type ModbusCoil struct {
	handler *modbus.TCPClientHandler
	client  coilWriter
	address uint16
}

// NewModbusCoil connects to the I/O module at cfg.Endpoint.
func NewModbusCoil(cfg ModbusConfig) (*ModbusCoil, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("trigger: modbus endpoint required")
	}

	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.UnitID

	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("trigger: modbus connect %s: %w", cfg.Endpoint, err)
	}
	debug.Info("Modbus trigger on %s unit %d coil %d", cfg.Endpoint, cfg.UnitID, cfg.Address)

	return &ModbusCoil{
		handler: h,
		client:  modbus.NewClient(h),
		address: cfg.Address,
	}, nil
}

func (m *ModbusCoil) Fire(target, measured int) error {
	debug.Verbose("Modbus coil %d pulse at target %d (measured %d)", m.address, target, measured)
	if _, err := m.client.WriteSingleCoil(m.address, coilOn); err != nil {
		return fmt.Errorf("trigger: set coil %d: %w", m.address, err)
	}
	if _, err := m.client.WriteSingleCoil(m.address, coilOff); err != nil {
		return fmt.Errorf("trigger: clear coil %d: %w", m.address, err)
	}
	return nil
}

// Close drops the TCP connection.
func (m *ModbusCoil) Close() error {
	if m.handler == nil {
		return nil
	}
	return m.handler.Close()
}
