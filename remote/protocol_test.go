package remote

import "testing"

func TestEncodeDecodeRoundTripsPayload(t *testing.T) {
	req := AllocateDeviceRequest{Serial: "serial-1", TimeoutMillis: 5000}
	env, err := Encode(OpAllocateDevice, req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if env.Version != ProtocolVersion {
		t.Fatalf("expected version %d, got %d", ProtocolVersion, env.Version)
	}
	if env.Type != OpAllocateDevice {
		t.Fatalf("expected type %s, got %s", OpAllocateDevice, env.Type)
	}

	var decoded AllocateDeviceRequest
	if err := DecodePayload(env, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != req {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, req)
	}
}

func TestDecodePayloadEmptyIsNoop(t *testing.T) {
	env := Envelope{Version: ProtocolVersion, Type: OpClose}
	var out ErrorResponse
	if err := DecodePayload(env, &out); err != nil {
		t.Fatalf("expected no error decoding an empty payload, got %v", err)
	}
	if out != (ErrorResponse{}) {
		t.Fatalf("expected zero value, got %+v", out)
	}
}

func TestEncodeAddCommandRequestRoundTripsTime(t *testing.T) {
	req := AddCommandRequest{Args: []string{"run", "suite"}, Time: 12345}
	env, err := Encode(OpAddCommand, req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var decoded AddCommandRequest
	if err := DecodePayload(env, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Time != 12345 || len(decoded.Args) != 2 {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, req)
	}

	resp := AddCommandResponse{CommandIDs: []int64{1, 2, 3}}
	env, err = Encode(OpOK, resp)
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	var decodedResp AddCommandResponse
	if err := DecodePayload(env, &decodedResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(decodedResp.CommandIDs) != 3 {
		t.Fatalf("expected 3 command ids for an --all-devices fan-out, got %d", len(decodedResp.CommandIDs))
	}
}

func TestEncodeGetLastCommandResultResponseRoundTripsFreeDeviceState(t *testing.T) {
	resp := GetLastCommandResultResponse{Status: "INVOCATION_SUCCESS", FreeDeviceState: "Available"}
	env, err := Encode(OpOK, resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var decoded GetLastCommandResultResponse
	if err := DecodePayload(env, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.FreeDeviceState != "Available" || decoded.Error != "" {
		t.Fatalf("round trip mismatch: got %+v", decoded)
	}
}

func TestEncodeListDevicesResponseRoundTrips(t *testing.T) {
	resp := ListDevicesResponse{Devices: []DeviceInfo{
		{Serial: "serial-1", State: "Available", BatteryLevel: 87},
		{Serial: "serial-2", IsStub: true, State: "Allocated"},
	}}
	env, err := Encode(OpListDevices, resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var decoded ListDevicesResponse
	if err := DecodePayload(env, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(decoded.Devices))
	}
	if decoded.Devices[0].Serial != "serial-1" || decoded.Devices[1].IsStub != true {
		t.Fatalf("unexpected round-tripped devices: %+v", decoded.Devices)
	}
}
