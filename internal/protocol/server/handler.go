package server

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"fleetpulse/internal/cache"
	"fleetpulse/internal/core/model"
	"fleetpulse/internal/core/store"
	"fleetpulse/internal/metrics"
	"fleetpulse/internal/protocol"
	"fleetpulse/internal/protocol/teltonika"
	"fleetpulse/internal/protocol/tfms90"
)

// connHandler owns one device connection from accept to close: protocol
// detection on the first buffer, the protocol's handshake, then the steady
// read-parse-store-ack loop.
type connHandler struct {
	conn     net.Conn
	registry store.DeviceRegistry
	sink     store.TelemetrySink
	cache    *cache.Cache
	router   *protocol.Router

	idleTimeout time.Duration
	buf         []byte
	ctx         context.Context

	logger    *log.Logger
	deviceID  string
	adapter   protocol.Adapter
	closeOnce sync.Once
}

func newConnHandler(s *TCPServer, conn net.Conn) *connHandler {
	return &connHandler{
		conn:        conn,
		registry:    s.registry,
		sink:        s.sink,
		cache:       s.cache,
		router:      s.router,
		idleTimeout: s.idleTimeout,
		buf:         make([]byte, s.bufferSize),
		ctx:         context.Background(),
		logger:      logger.With("remote", conn.RemoteAddr().String()),
	}
}

func (h *connHandler) handle() {
	defer h.close()
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic while handling connection", "panic", r)
		}
	}()

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	data, err := h.read()
	if err != nil {
		h.logReadEnd(err)
		return
	}

	name := h.router.Detect(data)
	if name == "" {
		metrics.UnknownProtocolConnections.Inc()
		h.logger.Warn("first frame matches no protocol, closing", "bytes", len(data))
		return
	}
	h.adapter = h.router.Adapter(name)
	h.logger = h.logger.With("protocol", name)
	metrics.ConnectionsTotal.WithLabelValues(name).Inc()

	deviceID := h.adapter.IdentifyDevice(data)
	if deviceID == "" {
		h.logger.Error("first frame carries no device identity, closing")
		return
	}
	h.deviceID = deviceID

	pending, ok := h.handshake(data)
	if !ok {
		return
	}
	h.logger = h.logger.With("device", h.deviceID)
	h.logger.Info("device session established")

	for {
		if len(pending) > 0 {
			h.process(pending)
		}
		pending, err = h.read()
		if err != nil {
			h.logReadEnd(err)
			return
		}
	}
}

// handshake completes the protocol's session setup. It returns any buffer
// that must still be processed as data, and whether the session may proceed.
func (h *connHandler) handshake(first []byte) ([]byte, bool) {
	switch adapter := h.adapter.(type) {
	case *teltonika.Adapter:
		h.registerDevice()
		if _, err := h.conn.Write(teltonika.IMEIAccept); err != nil {
			h.logger.Error("imei accept write failed", "err", err)
			return nil, false
		}
		return nil, true
	case *tfms90.Adapter:
		if tfms90.IsLogin(first) {
			return nil, h.loginTFMS90(adapter, first)
		}
		// Returning device: the short alias was assigned on an earlier
		// connection, so the first buffer is already data.
		h.registerDevice()
		return first, true
	default:
		return nil, false
	}
}

// loginTFMS90 runs the LG flow: the IMEI must already be provisioned, then a
// short alias is reserved, the device row renamed to it, and the assignment
// acknowledged. Any registry failure closes the connection unacknowledged so
// the device retries against a consistent registry.
func (h *connHandler) loginTFMS90(adapter *tfms90.Adapter, first []byte) bool {
	req, err := adapter.ParseLogin(first)
	if err != nil {
		h.logger.Error("malformed login frame, closing", "err", err)
		return false
	}
	h.logger = h.logger.With("imei", req.IMEI)

	device := h.lookupDeviceByIMEI(req.IMEI)
	if device == nil {
		metrics.RejectedLogins.Inc()
		h.logger.Error("login from unprovisioned imei, closing")
		return false
	}

	shortID, err := h.registry.AssignShortDeviceID(req.IMEI, model.ProtocolTFMS90)
	if err != nil {
		h.logger.Error("short alias assignment failed, closing", "err", err)
		return false
	}

	deviceID := model.ShortAliasDeviceID(shortID)
	proto := model.ProtocolTFMS90
	active := true
	now := time.Now().UTC()
	update := &model.DeviceUpdate{
		DeviceID: &deviceID,
		Protocol: &proto,
		IsActive: &active,
		LastSeen: &now,
	}
	if req.Firmware != "" {
		update.FirmwareVersion = &req.Firmware
	}
	if req.ICCID != "" {
		update.SIMICCID = &req.ICCID
	}
	if err := h.registry.UpdateDeviceByUUID(device.UUID, update); err != nil {
		h.logger.Error("device rename failed, closing without ack", "err", err)
		return false
	}

	adapter.Aliases().Put(shortID, req.IMEI)
	h.cache.InvalidateDeviceByIMEI(h.ctx, req.IMEI)
	h.deviceID = deviceID

	if _, err := h.conn.Write(adapter.LoginResponse(shortID)); err != nil {
		h.logger.Error("login ack write failed", "err", err)
		return false
	}
	metrics.AcksTotal.WithLabelValues(model.ProtocolTFMS90).Inc()
	return true
}

// lookupDeviceByIMEI checks the cache before the registry. nil means the
// IMEI has no registration.
func (h *connHandler) lookupDeviceByIMEI(imei string) *model.Device {
	if device, err := h.cache.DeviceByIMEI(h.ctx, imei); err == nil {
		return device
	}
	device, err := h.registry.GetDeviceByIMEI(imei)
	if err != nil {
		h.logger.Error("imei lookup failed", "err", err)
		return nil
	}
	if device != nil {
		h.cache.PutDeviceByIMEI(h.ctx, imei, device)
	}
	return device
}

// registerDevice upserts the device row on identification. Failures are
// logged and the session continues; the row will be retried on the next
// connection and telemetry persistence is gated separately.
func (h *connHandler) registerDevice() {
	device := model.NewDevice(h.deviceID, h.adapter.Protocol())
	if h.adapter.Protocol() == model.ProtocolTeltonika {
		device.IMEI = h.deviceID
	}
	if err := h.registry.UpsertDevice(device); err != nil {
		h.logger.Warn("device upsert failed", "err", err)
	}
}

// process runs one steady-state buffer through parse, persist, ack. The ACK
// is written only after the store call returns clean; on a store error the
// connection stays open and the device retransmits.
func (h *connHandler) process(data []byte) {
	proto := h.adapter.Protocol()
	metrics.FramesTotal.WithLabelValues(proto).Inc()
	h.logger.Debug("device buffer", "bytes", len(data), "hex", hex.EncodeToString(data))

	records, err := h.adapter.Parse(data, h.deviceID)
	if err != nil {
		metrics.ParseErrors.WithLabelValues(proto).Inc()
		h.logger.Warn("dropping undecodable buffer", "bytes", len(data), "err", err)
		return
	}
	if len(records) == 0 {
		return
	}

	if len(records) == 1 {
		err = h.sink.Insert(records[0])
	} else {
		err = h.sink.InsertBatch(records)
	}
	if err != nil {
		metrics.PersistErrors.WithLabelValues(proto).Inc()
		h.logger.Error("store write failed, withholding ack", "records", len(records), "err", err)
		return
	}
	metrics.RecordsTotal.WithLabelValues(proto).Add(float64(len(records)))

	if err := h.registry.UpdateDeviceLastSeen(h.deviceID); err != nil {
		h.logger.Warn("last_seen update failed", "err", err)
	}

	if ack := h.adapter.CreateResponse(len(records), records[0]); len(ack) > 0 {
		if _, err := h.conn.Write(ack); err != nil {
			h.logger.Warn("ack write failed", "err", err)
			return
		}
		metrics.AcksTotal.WithLabelValues(proto).Inc()
	}
	h.cache.PutLatestTelemetry(h.ctx, records[len(records)-1])
	h.logger.Debug("stored buffer", "records", len(records))
}

// read blocks for at most the idle timeout and returns one buffer.
func (h *connHandler) read() ([]byte, error) {
	if err := h.conn.SetReadDeadline(time.Now().Add(h.idleTimeout)); err != nil {
		return nil, err
	}
	n, err := h.conn.Read(h.buf)
	if err != nil {
		return nil, err
	}
	return h.buf[:n], nil
}

func (h *connHandler) logReadEnd(err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		h.logger.Debug("peer closed connection")
	case errors.As(err, &netErr) && netErr.Timeout():
		h.logger.Info("idle timeout, closing")
	case errors.Is(err, net.ErrClosed):
		h.logger.Debug("connection closed")
	default:
		h.logger.Warn("read failed", "err", err)
	}
}

func (h *connHandler) close() {
	h.closeOnce.Do(func() {
		h.conn.Close()
	})
}
