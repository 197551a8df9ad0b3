package wire

import "encoding/binary"

// DeviceInfo mirrors the wire shape of a single peer entry inside a
// RegistrationResponse or DeviceList payload.
type DeviceInfo struct {
	VirtualIP    uint32
	Name         string
	DeviceStatus uint32
}

func putUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func takeUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, ErrDecode
	}
	return binary.BigEndian.Uint32(buf[:4]), buf[4:], nil
}

func takeString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, ErrDecode
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, ErrDecode
	}
	return string(buf[:n]), buf[n:], nil
}

func (d DeviceInfo) appendTo(buf []byte) []byte {
	buf = putUint32(buf, d.VirtualIP)
	buf = appendString(buf, d.Name)
	buf = putUint32(buf, d.DeviceStatus)
	return buf
}

func appendString(buf []byte, s string) []byte {
	b := []byte(s)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, b...)
	return buf
}

func decodeDeviceInfo(buf []byte) (DeviceInfo, []byte, error) {
	ip, buf, err := takeUint32(buf)
	if err != nil {
		return DeviceInfo{}, nil, err
	}
	name, buf, err := takeString(buf)
	if err != nil {
		return DeviceInfo{}, nil, err
	}
	status, buf, err := takeUint32(buf)
	if err != nil {
		return DeviceInfo{}, nil, err
	}
	return DeviceInfo{VirtualIP: ip, Name: name, DeviceStatus: status}, buf, nil
}

func appendDeviceList(buf []byte, list []DeviceInfo) []byte {
	var nbuf [2]byte
	binary.BigEndian.PutUint16(nbuf[:], uint16(len(list)))
	buf = append(buf, nbuf[:]...)
	for _, d := range list {
		buf = d.appendTo(buf)
	}
	return buf
}

func decodeDeviceList(buf []byte) ([]DeviceInfo, []byte, error) {
	if len(buf) < 2 {
		return nil, nil, ErrDecode
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	buf = buf[2:]
	out := make([]DeviceInfo, 0, n)
	for i := 0; i < n; i++ {
		var d DeviceInfo
		var err error
		d, buf, err = decodeDeviceInfo(buf)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, d)
	}
	return out, buf, nil
}

// RegistrationRequest is the Service/RegistrationRequest payload.
type RegistrationRequest struct {
	Token      string
	MACAddress string
	Name       string
}

// Encode serializes the request.
func (r RegistrationRequest) Encode() []byte {
	var buf []byte
	buf = appendString(buf, r.Token)
	buf = appendString(buf, r.MACAddress)
	buf = appendString(buf, r.Name)
	return buf
}

// DecodeRegistrationRequest parses a RegistrationRequest payload.
func DecodeRegistrationRequest(payload []byte) (RegistrationRequest, error) {
	token, rest, err := takeString(payload)
	if err != nil {
		return RegistrationRequest{}, err
	}
	mac, rest, err := takeString(rest)
	if err != nil {
		return RegistrationRequest{}, err
	}
	name, _, err := takeString(rest)
	if err != nil {
		return RegistrationRequest{}, err
	}
	return RegistrationRequest{Token: token, MACAddress: mac, Name: name}, nil
}

// RegistrationResponse is the Service/RegistrationResponse payload.
type RegistrationResponse struct {
	PublicIP       uint32
	PublicPort     uint32
	VirtualIP      uint32
	VirtualNetmask uint32
	VirtualGateway uint32
	Epoch          uint32
	DeviceInfoList []DeviceInfo
}

// Encode serializes the response.
func (r RegistrationResponse) Encode() []byte {
	buf := make([]byte, 0, 24+len(r.DeviceInfoList)*16)
	buf = putUint32(buf, r.PublicIP)
	buf = putUint32(buf, r.PublicPort)
	buf = putUint32(buf, r.VirtualIP)
	buf = putUint32(buf, r.VirtualNetmask)
	buf = putUint32(buf, r.VirtualGateway)
	buf = putUint32(buf, r.Epoch)
	buf = appendDeviceList(buf, r.DeviceInfoList)
	return buf
}

// DecodeRegistrationResponse parses a RegistrationResponse payload.
func DecodeRegistrationResponse(payload []byte) (RegistrationResponse, error) {
	var r RegistrationResponse
	var err error
	if r.PublicIP, payload, err = takeUint32(payload); err != nil {
		return RegistrationResponse{}, err
	}
	if r.PublicPort, payload, err = takeUint32(payload); err != nil {
		return RegistrationResponse{}, err
	}
	if r.VirtualIP, payload, err = takeUint32(payload); err != nil {
		return RegistrationResponse{}, err
	}
	if r.VirtualNetmask, payload, err = takeUint32(payload); err != nil {
		return RegistrationResponse{}, err
	}
	if r.VirtualGateway, payload, err = takeUint32(payload); err != nil {
		return RegistrationResponse{}, err
	}
	if r.Epoch, payload, err = takeUint32(payload); err != nil {
		return RegistrationResponse{}, err
	}
	list, _, err := decodeDeviceList(payload)
	if err != nil {
		return RegistrationResponse{}, err
	}
	r.DeviceInfoList = list
	return r, nil
}

// DeviceList is the Service/UpdateDeviceList payload.
type DeviceList struct {
	Epoch          uint32
	DeviceInfoList []DeviceInfo
}

// Encode serializes the device list.
func (l DeviceList) Encode() []byte {
	buf := make([]byte, 0, 4+len(l.DeviceInfoList)*16)
	buf = putUint32(buf, l.Epoch)
	buf = appendDeviceList(buf, l.DeviceInfoList)
	return buf
}

// DecodeDeviceList parses an UpdateDeviceList payload.
func DecodeDeviceList(payload []byte) (DeviceList, error) {
	epoch, rest, err := takeUint32(payload)
	if err != nil {
		return DeviceList{}, err
	}
	list, _, err := decodeDeviceList(rest)
	if err != nil {
		return DeviceList{}, err
	}
	return DeviceList{Epoch: epoch, DeviceInfoList: list}, nil
}

// PingNonceLen is the length, in bytes, of a Ping's opaque nonce.
const PingNonceLen = 8

// Ping is the Control/Ping payload: an 8-byte opaque nonce followed by a
// 4-byte epoch. The nonce comes first so a Pong can echo it back by
// slicing the first PingNonceLen bytes of the raw payload.
type Ping struct {
	Nonce [PingNonceLen]byte
	Epoch uint32
}

// Encode serializes the ping.
func (p Ping) Encode() []byte {
	buf := make([]byte, 0, PingNonceLen+4)
	buf = append(buf, p.Nonce[:]...)
	buf = putUint32(buf, p.Epoch)
	return buf
}

// DecodePing parses a Ping payload.
func DecodePing(payload []byte) (Ping, error) {
	if len(payload) < PingNonceLen {
		return Ping{}, ErrDecode
	}
	var p Ping
	copy(p.Nonce[:], payload[:PingNonceLen])
	epoch, _, err := takeUint32(payload[PingNonceLen:])
	if err != nil {
		return Ping{}, err
	}
	p.Epoch = epoch
	return p, nil
}

// EncodePong builds a Pong payload that echoes the nonce occupying the
// first PingNonceLen bytes of the triggering Ping's raw payload.
func EncodePong(pingPayload []byte) []byte {
	out := make([]byte, PingNonceLen)
	copy(out, pingPayload[:min(len(pingPayload), PingNonceLen)])
	return out
}
