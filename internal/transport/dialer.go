package transport

import "fmt"

// Config selects and parameterises one transport. Only the section matching
// Kind is used.
type Config struct {
	Kind   Kind
	Serial SerialConfig
	Socket SocketConfig
	Pcap   PcapConfig
}

// NewDialer builds the dialer for cfg.Kind. Unknown kinds and invalid
// settings are configuration errors.
func NewDialer(cfg Config) (Dialer, error) {
	kind, err := ParseKind(string(cfg.Kind))
	if err != nil {
		return nil, err
	}
	var d Dialer
	switch kind {
	case KindSerial:
		d, err = asDialer(NewSerialDialer(cfg.Serial))
	case KindTCPClient:
		d, err = asDialer(NewTCPClientDialer(cfg.Socket))
	case KindTCPServer:
		d, err = asDialer(NewTCPServerDialer(cfg.Socket))
	case KindUDP:
		d, err = asDialer(NewUDPDialer(cfg.Socket))
	case KindPcap:
		d, err = asDialer(NewPcapDialer(cfg.Pcap))
	case KindDisabled:
		d = NewDisabledDialer()
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// asDialer keeps a nil concrete pointer from becoming a non-nil Dialer.
func asDialer[T Dialer](d T, err error) (Dialer, error) {
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ParseKind validates a configured transport name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindSerial, KindTCPClient, KindTCPServer, KindUDP, KindPcap, KindDisabled:
		return k, nil
	case "":
		return KindSerial, nil
	}
	return "", fmt.Errorf("%w: unknown transport kind %q", ErrConfig, s)
}
