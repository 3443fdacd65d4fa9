package ingestion

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func body(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

func validRequest() *Request {
	return &Request{
		ClientID: "c1",
		ModelID:  "m1",
		Bucket:   "lake",
		Database: "analytics",
		Files: []FileTask{
			{TableName: "t1", FileName: "t1.csv", Operation: OperationAdd, Body: body("col1\n1\n")},
			{TableName: "t2", Operation: OperationDelete},
		},
	}
}

func TestValidator_ValidateRequest(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		mutate  func(r *Request)
		wantErr error
	}{
		{name: "valid", mutate: func(*Request) {}},
		{name: "missing client", mutate: func(r *Request) { r.ClientID = "" }, wantErr: ErrMissingClientID},
		{name: "bad client", mutate: func(r *Request) { r.ClientID = "c/1" }, wantErr: ErrInvalidIdentifier},
		{name: "missing model", mutate: func(r *Request) { r.ModelID = "" }, wantErr: ErrMissingModelID},
		{name: "missing bucket", mutate: func(r *Request) { r.Bucket = " " }, wantErr: ErrMissingBucket},
		{name: "missing database", mutate: func(r *Request) { r.Database = "" }, wantErr: ErrMissingDatabase},
		{name: "no files", mutate: func(r *Request) { r.Files = nil }, wantErr: ErrNoFiles},
		{name: "bad table", mutate: func(r *Request) { r.Files[0].TableName = "t-1" }, wantErr: ErrInvalidIdentifier},
		{name: "reserved table", mutate: func(r *Request) { r.Files[0].TableName = "VIEW" }, wantErr: ErrInvalidIdentifier},
		{name: "missing table", mutate: func(r *Request) { r.Files[0].TableName = "" }, wantErr: ErrMissingTableName},
		{name: "bad operation", mutate: func(r *Request) { r.Files[0].Operation = "MERGE" }, wantErr: ErrInvalidFileOperation},
		{name: "missing file name", mutate: func(r *Request) { r.Files[0].FileName = "" }, wantErr: ErrMissingFileName},
		{name: "path in file name", mutate: func(r *Request) { r.Files[0].FileName = "../x.csv" }, wantErr: ErrInvalidFileName},
		{name: "missing body", mutate: func(r *Request) { r.Files[0].Body = nil }, wantErr: ErrMissingBody},
		{name: "body on delete", mutate: func(r *Request) { r.Files[1].Body = body("x") }, wantErr: ErrUnexpectedBody},
	}

	v := NewValidator()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)

			err := v.ValidateRequest(req)
			if tt.wantErr == nil {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, ErrInvalidArgument)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidate_NilRequest(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	err := Validate(nil)
	require.ErrorIs(t, err, ErrNilRequest)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
