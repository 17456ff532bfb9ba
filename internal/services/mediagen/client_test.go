package mediagen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"storyforge/internal/config"
	"storyforge/internal/services"
)

func testTier() config.Tier {
	return config.Tier{ImageModel: "test/image", VideoModel: "test/video", AudioModel: "test/audio"}
}

func TestGeneratePollsUntilSucceeded(t *testing.T) {
	var polls atomic.Int64
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("POST /models/test/image/predictions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "pred-1",
			"status": "starting",
			"urls":   map[string]string{"get": server.URL + "/predictions/pred-1"},
		})
	})
	mux.HandleFunc("GET /predictions/pred-1", func(w http.ResponseWriter, r *http.Request) {
		status := "processing"
		var output any
		if polls.Add(1) >= 2 {
			status = "succeeded"
			output = []string{server.URL + "/outputs/frame.png"}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "pred-1",
			"status": status,
			"output": output,
		})
	})
	mux.HandleFunc("GET /outputs/frame.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png bytes"))
	})

	client := NewClient(config.MediaGen{APIKey: "key", BaseURL: server.URL},
		WithHTTPClient(server.Client()), WithPollDelay(time.Millisecond))

	result, err := client.Generate(context.Background(), "a mesa at dusk", KindImage, testTier(), nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(result.Data) != "png bytes" || result.MimeType != "image/png" || result.Model != "test/image" {
		t.Fatalf("unexpected result %+v", result)
	}
	if polls.Load() < 2 {
		t.Fatalf("polls = %d, want at least 2", polls.Load())
	}
}

func TestGenerateFailedPrediction(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("POST /models/test/video/predictions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "pred-2",
			"status": "failed",
			"error":  "NSFW content detected",
		})
	})

	client := NewClient(config.MediaGen{APIKey: "key", BaseURL: server.URL},
		WithHTTPClient(server.Client()), WithPollDelay(time.Millisecond))

	_, err := client.Generate(context.Background(), "prompt", KindVideo, testTier(), nil)
	if kind, ok := services.Classify(err); !ok || kind != services.KindProviderError {
		t.Fatalf("err = %v, want provider_error", err)
	}
}

func TestGenerateSingleStringOutput(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("POST /models/test/audio/predictions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "pred-3",
			"status": "succeeded",
			"output": server.URL + "/outputs/take.mp3",
		})
	})
	mux.HandleFunc("GET /outputs/take.mp3", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("mp3 bytes"))
	})

	client := NewClient(config.MediaGen{APIKey: "key", BaseURL: server.URL},
		WithHTTPClient(server.Client()), WithPollDelay(time.Millisecond))

	result, err := client.Generate(context.Background(), "voice line", KindAudio, testTier(), nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(result.Data) != "mp3 bytes" {
		t.Fatalf("data = %q", result.Data)
	}
}

func TestModelFor(t *testing.T) {
	tier := testTier()
	if model, err := ModelFor(tier, KindImage); err != nil || model != "test/image" {
		t.Fatalf("image model = %q err = %v", model, err)
	}
	if _, err := ModelFor(tier, Kind("hologram")); err == nil {
		t.Fatal("unknown kind must fail")
	}
	if _, err := ModelFor(config.Tier{}, KindVideo); err == nil {
		t.Fatal("missing model must fail")
	}
}

func TestDataURI(t *testing.T) {
	uri := dataURI(Reference{Data: []byte{1, 2, 3}, MimeType: "image/png"})
	if uri != "data:image/png;base64,AQID" {
		t.Fatalf("uri = %q", uri)
	}
	fallback := dataURI(Reference{Data: []byte{1}})
	if fallback != "data:application/octet-stream;base64,AQ==" {
		t.Fatalf("uri = %q", fallback)
	}
}
