package task

import "encoding/json"

// The status enums cross the REST and worker-stream boundaries as their
// string forms, never as raw integers.

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = ParseStatus(v)
	return nil
}

func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = ParseRunStatus(v)
	return nil
}

func (s WorkerStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *WorkerStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = ParseWorkerStatus(v)
	return nil
}

func (s SignalStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SignalStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v {
	case "delivered":
		*s = SignalStatusDelivered
	case "acknowledged":
		*s = SignalStatusAcknowledged
	default:
		*s = SignalStatusPending
	}
	return nil
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = ParseSeverity(v)
	return nil
}
