package hermes

import "testing"

func TestParseRunRequest(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    RunRequest
		wantErr bool
	}{
		{name: "empty payload", data: "", want: RunRequest{}},
		{name: "full", data: `{"request_id":"r1","target_count":20,"category":"macro","keyword":"rates","force_refresh":true}`,
			want: RunRequest{RequestID: "r1", TargetCount: 20, Category: "macro", Keyword: "rates", ForceRefresh: true}},
		{name: "negative count", data: `{"target_count":-1}`, wantErr: true},
		{name: "not json", data: `run please`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRunRequest([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.RequestID != tt.want.RequestID || got.TargetCount != tt.want.TargetCount ||
				got.Category != tt.want.Category || got.Keyword != tt.want.Keyword || got.ForceRefresh != tt.want.ForceRefresh {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseRunRequest_AnalyzeOverride(t *testing.T) {
	req, err := ParseRunRequest([]byte(`{"analyze":false}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.Analyze == nil || *req.Analyze {
		t.Errorf("expected explicit analyze=false, got %v", req.Analyze)
	}
}
