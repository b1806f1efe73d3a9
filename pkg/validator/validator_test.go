package validator

import (
	"testing"

	"training-integrity-system/pkg/config"
	"training-integrity-system/pkg/models"
)

func testPolicy() config.PolicyConfig {
	return config.PolicyConfig{
		HeartbeatIntervalSec:   5,
		ToleranceFactor:        2.0,
		SkipToleranceSec:       2.0,
		PositionErrorMarginSec: 2.0,
		SpeedTolerance:         1.2,
	}
}

func testSession() *models.Session {
	return &models.Session{
		ID:           "sess-1",
		State:        models.StateActive,
		LastPosition: 100,
		LastClientTS: 1000,
	}
}

func TestValidateRequest(t *testing.T) {
	v := New(testPolicy())

	valid := &models.ProgressRequest{
		PositionSeconds:    105,
		PlayedDeltaSeconds: 5,
		VideoState:         models.VideoPlaying,
		ClientTimestamp:    1005,
	}
	if err := v.ValidateRequest(valid); err != nil {
		t.Errorf("expected valid request, got: %v", err)
	}

	cases := []struct {
		name string
		req  models.ProgressRequest
	}{
		{"negative position", models.ProgressRequest{PositionSeconds: -1, VideoState: models.VideoPlaying, ClientTimestamp: 1}},
		{"negative delta", models.ProgressRequest{PlayedDeltaSeconds: -1, VideoState: models.VideoPlaying, ClientTimestamp: 1}},
		{"bad video state", models.ProgressRequest{VideoState: "buffering", ClientTimestamp: 1}},
		{"missing client timestamp", models.ProgressRequest{VideoState: models.VideoPaused}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateRequest(&tc.req)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if _, ok := err.(*models.ValidationError); !ok {
				t.Errorf("expected ValidationError, got %T", err)
			}
		})
	}
}

func TestCheckProgress_NormalHeartbeat(t *testing.T) {
	v := New(testPolicy())
	session := testSession()

	res := v.CheckProgress(session, &models.ProgressRequest{
		PositionSeconds:    105,
		PlayedDeltaSeconds: 5,
		VideoState:         models.VideoPlaying,
		ClientTimestamp:    1005,
	})

	if res.CreditedDelta != 5 {
		t.Errorf("expected credited delta 5, got %f", res.CreditedDelta)
	}
	if res.Clamped {
		t.Error("expected no clamping for an honest heartbeat")
	}
	if len(res.Anomalies) != 0 {
		t.Errorf("expected no anomalies, got %v", res.Anomalies)
	}
}

func TestCheckProgress_DeltaClampedToHeartbeatBudget(t *testing.T) {
	v := New(testPolicy())
	session := testSession()

	// Interval 5s x factor 2.0 caps any single heartbeat at 10 credited seconds
	res := v.CheckProgress(session, &models.ProgressRequest{
		PositionSeconds:    108,
		PlayedDeltaSeconds: 50,
		VideoState:         models.VideoPlaying,
		ClientTimestamp:    1060,
	})

	if res.CreditedDelta != 10 {
		t.Errorf("expected credited delta clamped to 10, got %f", res.CreditedDelta)
	}
	if !res.Clamped {
		t.Error("expected clamped flag")
	}
	if len(res.Anomalies) != 0 {
		t.Errorf("expected clamping without anomalies, got %v", res.Anomalies)
	}
}

func TestCheckProgress_SpeedAnomaly(t *testing.T) {
	v := New(testPolicy())
	session := testSession()

	// 8 claimed seconds over a 5 second client-clock gap exceeds the 1.2x allowance
	res := v.CheckProgress(session, &models.ProgressRequest{
		PositionSeconds:    104,
		PlayedDeltaSeconds: 8,
		VideoState:         models.VideoPlaying,
		ClientTimestamp:    1005,
	})

	if len(res.Anomalies) != 1 || res.Anomalies[0] != AnomalySpeedAnomaly {
		t.Fatalf("expected speed anomaly, got %v", res.Anomalies)
	}
	if res.CreditedDelta != 0 {
		t.Errorf("expected anomalous heartbeat to credit nothing, got %f", res.CreditedDelta)
	}
}

func TestCheckProgress_FirstHeartbeatSkipsSpeedCheck(t *testing.T) {
	v := New(testPolicy())
	session := testSession()
	session.LastClientTS = 0 // no previous heartbeat

	res := v.CheckProgress(session, &models.ProgressRequest{
		PositionSeconds:    105,
		PlayedDeltaSeconds: 8,
		VideoState:         models.VideoPlaying,
		ClientTimestamp:    1005,
	})

	if len(res.Anomalies) != 0 {
		t.Errorf("expected no anomalies on first heartbeat, got %v", res.Anomalies)
	}
	if res.CreditedDelta != 8 {
		t.Errorf("expected credited delta 8, got %f", res.CreditedDelta)
	}
}

func TestCheckProgress_PositionBackward(t *testing.T) {
	v := New(testPolicy())
	session := testSession()

	// Drift within the 2s margin is tolerated
	res := v.CheckProgress(session, &models.ProgressRequest{
		PositionSeconds:    98.5,
		PlayedDeltaSeconds: 0,
		VideoState:         models.VideoPlaying,
		ClientTimestamp:    1005,
	})
	if len(res.Anomalies) != 0 {
		t.Errorf("expected drift within margin to pass, got %v", res.Anomalies)
	}

	// A real backward seek is flagged
	res = v.CheckProgress(session, &models.ProgressRequest{
		PositionSeconds:    80,
		PlayedDeltaSeconds: 5,
		VideoState:         models.VideoPlaying,
		ClientTimestamp:    1005,
	})
	if len(res.Anomalies) != 1 || res.Anomalies[0] != AnomalyPositionBackward {
		t.Fatalf("expected position backward anomaly, got %v", res.Anomalies)
	}
	if res.CreditedDelta != 0 {
		t.Errorf("expected anomalous heartbeat to credit nothing, got %f", res.CreditedDelta)
	}
}

func TestCheckProgress_LargeSkip(t *testing.T) {
	v := New(testPolicy())
	session := testSession()

	// Position jumped 60s ahead while claiming 5s of playback
	res := v.CheckProgress(session, &models.ProgressRequest{
		PositionSeconds:    160,
		PlayedDeltaSeconds: 5,
		VideoState:         models.VideoPlaying,
		ClientTimestamp:    1005,
	})

	if len(res.Anomalies) != 1 || res.Anomalies[0] != AnomalyLargeSkip {
		t.Fatalf("expected large skip anomaly, got %v", res.Anomalies)
	}
	if res.CreditedDelta != 0 {
		t.Errorf("expected anomalous heartbeat to credit nothing, got %f", res.CreditedDelta)
	}
}

func TestCheckProgress_SkipWithinTolerance(t *testing.T) {
	v := New(testPolicy())
	session := testSession()

	// Position advanced by credited delta + 1.5s, inside the 2s skip tolerance
	res := v.CheckProgress(session, &models.ProgressRequest{
		PositionSeconds:    106.5,
		PlayedDeltaSeconds: 5,
		VideoState:         models.VideoPlaying,
		ClientTimestamp:    1005,
	})

	if len(res.Anomalies) != 0 {
		t.Errorf("expected skip within tolerance to pass, got %v", res.Anomalies)
	}
	if res.CreditedDelta != 5 {
		t.Errorf("expected credited delta 5, got %f", res.CreditedDelta)
	}
}
