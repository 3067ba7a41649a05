package transport

import (
	"testing"

	"go.bug.st/serial"
)

func TestPortOptions_Normalise_Defaults(t *testing.T) {
	got, err := PortOptions{}.Normalise()
	if err != nil {
		t.Fatalf("Normalise() error = %v", err)
	}
	want := PortOptions{BaudRate: SensorBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}
	if got != want {
		t.Errorf("Normalise() = %+v, want %+v", got, want)
	}
}

func TestPortOptions_Normalise_Invalid(t *testing.T) {
	cases := []struct {
		name string
		opts PortOptions
	}{
		{"data bits low", PortOptions{DataBits: 4}},
		{"data bits high", PortOptions{DataBits: 9}},
		{"stop bits", PortOptions{StopBits: 3}},
		{"parity", PortOptions{Parity: "mark"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.opts.Normalise(); err == nil {
				t.Errorf("Normalise(%+v) expected error", tc.opts)
			}
		})
	}
}

func TestPortOptions_ParityAliases(t *testing.T) {
	for in, want := range map[string]string{"none": "N", " even ": "E", "o": "O", "": "N"} {
		got, err := PortOptions{Parity: in}.Normalise()
		if err != nil {
			t.Fatalf("Normalise(%q) error = %v", in, err)
		}
		if got.Parity != want {
			t.Errorf("Normalise(%q).Parity = %q, want %q", in, got.Parity, want)
		}
	}
}

func TestPortOptions_Equal(t *testing.T) {
	a := PortOptions{}
	b := PortOptions{BaudRate: SensorBaudRate, DataBits: 8, StopBits: 1, Parity: "none"}
	if !a.Equal(b) {
		t.Errorf("expected %+v to equal %+v", a, b)
	}
	if a.Equal(PortOptions{BaudRate: 9600}) {
		t.Error("different baud rates should not be equal")
	}
	if a.Equal(PortOptions{Parity: "bogus"}) {
		t.Error("invalid options should never be equal")
	}
}

func TestPortOptions_String(t *testing.T) {
	if got := (PortOptions{}).String(); got != "1250000 8N1" {
		t.Errorf("String() = %q", got)
	}
	if got := (PortOptions{StopBits: 7}).String(); got[:7] != "invalid" {
		t.Errorf("String() for invalid options = %q", got)
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode() error = %v", err)
	}
	if mode.BaudRate != SensorBaudRate || mode.DataBits != 8 {
		t.Errorf("mode = %+v", mode)
	}
	if mode.StopBits != serial.OneStopBit {
		t.Errorf("StopBits = %v, want OneStopBit", mode.StopBits)
	}
	if mode.Parity != serial.NoParity {
		t.Errorf("Parity = %v, want NoParity", mode.Parity)
	}

	mode, err = PortOptions{StopBits: 2, Parity: "O"}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode() error = %v", err)
	}
	if mode.StopBits != serial.TwoStopBits || mode.Parity != serial.OddParity {
		t.Errorf("mode = %+v", mode)
	}

	if _, err := (PortOptions{DataBits: 2}).SerialMode(); err == nil {
		t.Error("expected error for invalid options")
	}
}
