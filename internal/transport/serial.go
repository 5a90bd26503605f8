// internal/transport/serial.go
package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// Serial parameters fixed by the SSP physical layer: 9600 baud, eight data
// bits, no parity, two stop bits. Only the port path is configurable.
const (
	sspBaudRate = 9600
	sspDataBits = 8
)

// SerialConfig configures the serial link to a validator.
type SerialConfig struct {
	Port        string        `json:"port"`
	ReadTimeout time.Duration `json:"read_timeout"`
}

// SerialTransport implements Transport over a physical serial port.
type SerialTransport struct {
	config *SerialConfig
	port   serial.Port
	logger *zap.Logger
	mutex  sync.RWMutex
	isOpen bool
}

// NewSerialTransport creates a serial transport for the given port.
func NewSerialTransport(config *SerialConfig, logger *zap.Logger) *SerialTransport {
	return &SerialTransport{
		config: config,
		logger: logger.With(
			zap.String("transport", "serial"),
			zap.String("port", config.Port),
		),
	}
}

// Open opens the serial port with the protocol-mandated parameters.
func (st *SerialTransport) Open(ctx context.Context) error {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if st.isOpen {
		return nil
	}

	st.logger.Info("Opening serial port",
		zap.Int("baud_rate", sspBaudRate),
	)

	mode := &serial.Mode{
		BaudRate: sspBaudRate,
		DataBits: sspDataBits,
		Parity:   serial.NoParity,
		StopBits: serial.TwoStopBits,
	}

	port, err := serial.Open(st.config.Port, mode)
	if err != nil {
		st.logger.Error("Failed to open serial port", zap.Error(err))
		return fmt.Errorf("failed to open serial port: %w", err)
	}

	if err := port.SetReadTimeout(st.config.ReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	st.port = port
	st.isOpen = true

	st.logger.Info("Serial port opened successfully")
	return nil
}

// Close closes the serial port.
func (st *SerialTransport) Close() error {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if !st.isOpen || st.port == nil {
		return nil
	}

	if err := st.port.Close(); err != nil {
		st.logger.Error("Failed to close serial port", zap.Error(err))
		return fmt.Errorf("failed to close serial port: %w", err)
	}

	st.port = nil
	st.isOpen = false

	st.logger.Info("Serial port closed")
	return nil
}

// IsOpen returns whether the port is open.
func (st *SerialTransport) IsOpen() bool {
	st.mutex.RLock()
	defer st.mutex.RUnlock()
	return st.isOpen && st.port != nil
}

// Write writes a complete frame to the port.
func (st *SerialTransport) Write(ctx context.Context, data []byte) error {
	st.mutex.RLock()
	defer st.mutex.RUnlock()

	if !st.isOpen || st.port == nil {
		return fmt.Errorf("serial port not open")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	n, err := st.port.Write(data)
	if err != nil {
		st.logger.Error("Serial write failed", zap.Error(err))
		return fmt.Errorf("failed to write to serial port: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
	}

	st.logger.Debug("Serial write completed", zap.Int("bytes", len(data)))
	return nil
}

// Read reads whatever bytes are available, up to maxBytes, honoring the
// context deadline.
func (st *SerialTransport) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	st.mutex.RLock()
	defer st.mutex.RUnlock()

	if !st.isOpen || st.port == nil {
		return nil, fmt.Errorf("serial port not open")
	}

	buffer := make([]byte, maxBytes)

	done := make(chan struct {
		data []byte
		err  error
	}, 1)

	go func() {
		n, err := st.port.Read(buffer)
		result := struct {
			data []byte
			err  error
		}{}

		if err != nil && err != io.EOF {
			result.err = fmt.Errorf("failed to read from serial port: %w", err)
		} else {
			result.data = make([]byte, n)
			copy(result.data, buffer[:n])
		}
		done <- result
	}()

	select {
	case result := <-done:
		if result.err != nil {
			return nil, result.err
		}
		return result.data, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ListPorts returns the serial ports present on the host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", err)
	}
	return ports, nil
}
