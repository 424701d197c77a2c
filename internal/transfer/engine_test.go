package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/guided-traffic/agency-interchange/internal/provider"
	"github.com/guided-traffic/agency-interchange/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockStore struct{ mock.Mock }

func (m *mockStore) Upload(_ context.Context, folder, name string, data []byte) (string, error) {
	args := m.Called(folder, name, data)
	return args.String(0), args.Error(1)
}

func (m *mockStore) Download(_ context.Context, folder, name string) ([]byte, error) {
	args := m.Called(folder, name)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

type mockTransfer struct{ mock.Mock }

func (m *mockTransfer) Upload(_ context.Context, server, p string, data []byte) error {
	return m.Called(server, p, data).Error(0)
}

func (m *mockTransfer) Download(_ context.Context, server, p string) ([]byte, error) {
	args := m.Called(server, p)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *mockTransfer) Delete(_ context.Context, server, p string) (bool, error) {
	args := m.Called(server, p)
	return args.Bool(0), args.Error(1)
}

type mockProvider struct{ mock.Mock }

func (m *mockProvider) RequestToken(_ context.Context, appCode, id string) error {
	return m.Called(appCode, id).Error(0)
}

func (m *mockProvider) Encrypt(_ context.Context, req provider.Request) (*provider.Encrypted, error) {
	args := m.Called(req.Token, req.FileName, req.Data)
	enc, _ := args.Get(0).(*provider.Encrypted)
	return enc, args.Error(1)
}

func (m *mockProvider) Decrypt(_ context.Context, req provider.Request) ([]byte, error) {
	args := m.Called(req.Token, req.Data)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

type mockHook struct{ mock.Mock }

func (m *mockHook) Ingest(_ context.Context, _ workflow.Config, name string, data []byte) error {
	return m.Called(name, data).Error(0)
}

var (
	ltaEncrypt = workflow.Config{
		Profile: workflow.ProfileLTA, AppCode: "LTAVRLS", TransferServer: "lta",
		StorageFolder: "offence/lta/vrls/input/", TransferFolder: "/upload",
		Scheme: workflow.SchemeA, Ingest: true, Encryption: true,
	}
	ltaDecrypt = workflow.Config{
		Profile: workflow.ProfileLTA, AppCode: "LTAVRLS", TransferServer: "lta",
		StorageFolder: "/offence/lta/download/", TransferFolder: "/nro/output",
		Scheme: workflow.SchemeA, Ingest: true, Encryption: true,
	}
	toppanDecrypt = workflow.Config{
		Profile: workflow.ProfileToppan, AppCode: "TOPPAN", TransferServer: "toppan",
		StorageFolder: "/offence/sftp/toppan/output/", TransferFolder: "/output",
		Scheme: workflow.SchemeB, Encryption: true,
	}
)

type fixture struct {
	store    *mockStore
	transfer *mockTransfer
	provider *mockProvider
	hook     *mockHook
	engine   *Engine
}

func newFixture() *fixture {
	f := &fixture{store: &mockStore{}, transfer: &mockTransfer{}, provider: &mockProvider{}, hook: &mockHook{}}
	f.engine = NewEngine(f.store, f.transfer, f.provider, f.hook)
	return f
}

func TestRunEncryptAndUpload(t *testing.T) {
	plain := []byte("H20250306")
	tests := []struct {
		name        string
		storageErr  error
		transferErr error
		wantOutcome string
		wantStorage string
		wantXfer    string
	}{
		{"both succeed", nil, nil, OutcomeSuccess, "offence/lta/vrls/input/F", "/upload/F.p7"},
		{"transfer fails", nil, errors.New("connection reset"), OutcomePartial, "offence/lta/vrls/input/F", ""},
		{"storage fails", errors.New("access denied"), nil, OutcomePartial, "", "/upload/F.p7"},
		{"both fail", errors.New("access denied"), errors.New("connection reset"), OutcomeFailure, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.provider.On("Encrypt", "tok", "F", plain).Return(&provider.Encrypted{Data: []byte("cipher"), FileName: "F.p7"}, nil)
			storagePath := ""
			if tt.storageErr == nil {
				storagePath = "offence/lta/vrls/input/F"
			}
			f.store.On("Upload", "offence/lta/vrls/input/", "F", plain).Return(storagePath, tt.storageErr)
			f.transfer.On("Upload", "lta", "/upload/F.p7", []byte("cipher")).Return(tt.transferErr)

			r := f.engine.RunEncryptAndUpload(context.Background(), "LTAVRLS_REQ_1_a", plain, "F", "tok", ltaEncrypt)

			assert.Equal(t, tt.wantOutcome, r.Outcome())
			assert.Equal(t, tt.wantStorage, r.StoragePath)
			assert.Equal(t, tt.wantXfer, r.TransferPath)
			assert.Equal(t, tt.wantOutcome == OutcomeSuccess, r.ErrorDetail == "")
			f.store.AssertExpectations(t)
			f.transfer.AssertExpectations(t)
		})
	}
}

func TestRunEncryptAndUploadProviderFailure(t *testing.T) {
	f := newFixture()
	f.provider.On("Encrypt", "tok", "F", mock.Anything).Return(nil, &provider.Error{Code: "HC401", Status: 401})

	r := f.engine.RunEncryptAndUpload(context.Background(), "id", []byte("x"), "F", "tok", ltaEncrypt)

	assert.Equal(t, OutcomeFailure, r.Outcome())
	assert.Contains(t, r.ErrorDetail, "HC401")
	f.store.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything)
	f.transfer.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything)
	f.provider.AssertNumberOfCalls(t, "Encrypt", 1)
}

func TestRunEncryptAndUploadDefaultsEncryptedName(t *testing.T) {
	f := newFixture()
	f.provider.On("Encrypt", "tok", "F", mock.Anything).Return(&provider.Encrypted{Data: []byte("c")}, nil)
	f.transfer.On("Upload", "lta", "/upload/F.p7", []byte("c")).Return(nil)

	cfg := ltaEncrypt
	cfg.StorageFolder = ""
	r := f.engine.RunEncryptAndUpload(context.Background(), "id", []byte("x"), "F", "tok", cfg)

	assert.True(t, r.Success)
	assert.Empty(t, r.StoragePath)
	assert.Equal(t, "/upload/F.p7", r.TransferPath)
}

func TestRunStoredEncrypt(t *testing.T) {
	f := newFixture()
	f.store.On("Download", "offence/lta/vrls/input/", "F").Return([]byte("orig"), nil)
	f.provider.On("Encrypt", "tok", "F", []byte("orig")).Return(&provider.Encrypted{Data: []byte("c"), FileName: "F.p7"}, nil)
	f.transfer.On("Upload", "lta", "/upload/F.p7", []byte("c")).Return(nil)

	r := f.engine.RunStoredEncrypt(context.Background(), "id", "F", "tok", ltaEncrypt)
	assert.True(t, r.Success)
	assert.Equal(t, "/upload/F.p7", r.TransferPath)
	f.store.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything)

	g := newFixture()
	g.store.On("Download", mock.Anything, "F").Return(nil, errors.New("no such key"))
	r = g.engine.RunStoredEncrypt(context.Background(), "id", "F", "tok", ltaEncrypt)
	assert.Equal(t, OutcomeFailure, r.Outcome())
	g.provider.AssertNotCalled(t, "Encrypt", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunPlainUpload(t *testing.T) {
	f := newFixture()
	cfg := ltaEncrypt
	cfg.Encryption = false
	f.store.On("Upload", "offence/lta/vrls/input/", "F", []byte("p")).Return("offence/lta/vrls/input/F", nil)
	f.transfer.On("Upload", "lta", "/upload/F", []byte("p")).Return(nil)

	r := f.engine.RunPlainUpload(context.Background(), []byte("p"), "F", cfg)
	assert.True(t, r.Success)
	f.provider.AssertNotCalled(t, "Encrypt", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunDownloadAndDecrypt(t *testing.T) {
	const remote = "/nro/output/VRL-LTA-OFFREP-D2-1.P7"

	t.Run("success with ingestion", func(t *testing.T) {
		f := newFixture()
		f.transfer.On("Download", "lta", remote).Return([]byte("c"), nil)
		f.provider.On("Decrypt", "tok", []byte("c")).Return([]byte("plain"), nil)
		f.store.On("Upload", "/offence/lta/download/", "VRL-LTA-OFFREP-D2-1", []byte("plain")).
			Return("offence/lta/download/VRL-LTA-OFFREP-D2-1", nil)
		f.hook.On("Ingest", "VRL-LTA-OFFREP-D2-1", []byte("plain")).Return(nil)
		f.transfer.On("Delete", "lta", remote).Return(true, nil)

		r := f.engine.RunDownloadAndDecrypt(context.Background(), "id", remote, "tok", ltaDecrypt)
		assert.True(t, r.Success)
		assert.True(t, r.SourceRemoved)
		assert.Empty(t, r.TransferPath)
		assert.Equal(t, "offence/lta/download/VRL-LTA-OFFREP-D2-1", r.StoragePath)
		f.hook.AssertExpectations(t)
		f.transfer.AssertExpectations(t)
	})

	t.Run("ingestion failure still deletes source", func(t *testing.T) {
		f := newFixture()
		f.transfer.On("Download", "lta", remote).Return([]byte("c"), nil)
		f.provider.On("Decrypt", "tok", []byte("c")).Return([]byte("plain"), nil)
		f.store.On("Upload", mock.Anything, mock.Anything, mock.Anything).Return("offence/lta/download/x", nil)
		f.hook.On("Ingest", mock.Anything, mock.Anything).Return(errors.New("integrity error A"))
		f.transfer.On("Delete", "lta", remote).Return(true, nil)

		r := f.engine.RunDownloadAndDecrypt(context.Background(), "id", remote, "tok", ltaDecrypt)
		assert.False(t, r.Success)
		assert.True(t, r.SourceRemoved)
		assert.Empty(t, r.TransferPath)
		assert.Contains(t, r.ErrorDetail, "ingestion failed")
		f.transfer.AssertCalled(t, "Delete", "lta", remote)
	})

	t.Run("storage failure keeps source", func(t *testing.T) {
		tests := []struct {
			name string
			cfg  workflow.Config
		}{
			{name: "ingesting profile", cfg: ltaDecrypt},
			{name: "storage only profile", cfg: toppanDecrypt},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				f := newFixture()
				f.transfer.On("Download", tt.cfg.TransferServer, remote).Return([]byte("c"), nil)
				f.provider.On("Decrypt", "tok", []byte("c")).Return([]byte("plain"), nil)
				f.store.On("Upload", tt.cfg.StorageFolder, mock.Anything, []byte("plain")).Return("", errors.New("bucket unavailable"))

				r := f.engine.RunDownloadAndDecrypt(context.Background(), "id", remote, "tok", tt.cfg)
				assert.Equal(t, OutcomeFailure, r.Outcome())
				assert.Contains(t, r.ErrorDetail, "storage upload failed")
				assert.False(t, r.SourceRemoved)
				f.transfer.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
				f.hook.AssertNotCalled(t, "Ingest", mock.Anything, mock.Anything)
			})
		}
	})

	t.Run("non-ingesting profile keeps source", func(t *testing.T) {
		f := newFixture()
		f.transfer.On("Download", "toppan", remote).Return([]byte("c"), nil)
		f.provider.On("Decrypt", "tok", []byte("c")).Return([]byte("plain"), nil)
		f.store.On("Upload", "/offence/sftp/toppan/output/", "VRL-LTA-OFFREP-D2-1", []byte("plain")).Return("p", nil)

		r := f.engine.RunDownloadAndDecrypt(context.Background(), "id", remote, "tok", toppanDecrypt)
		assert.True(t, r.Success)
		assert.False(t, r.SourceRemoved)
		f.transfer.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
		f.hook.AssertNotCalled(t, "Ingest", mock.Anything, mock.Anything)
	})

	t.Run("test files skip ingestion", func(t *testing.T) {
		f := newFixture()
		testRemote := "/nro/output/VRL-TEST-1.p7"
		f.transfer.On("Download", "lta", testRemote).Return([]byte("c"), nil)
		f.provider.On("Decrypt", "tok", []byte("c")).Return([]byte("plain"), nil)
		f.store.On("Upload", mock.Anything, "VRL-TEST-1", mock.Anything).Return("p", nil)
		f.transfer.On("Delete", "lta", testRemote).Return(true, nil)

		r := f.engine.RunDownloadAndDecrypt(context.Background(), "id", testRemote, "tok", ltaDecrypt)
		assert.True(t, r.Success)
		f.hook.AssertNotCalled(t, "Ingest", mock.Anything, mock.Anything)
	})

	t.Run("decrypt failure keeps source", func(t *testing.T) {
		f := newFixture()
		f.transfer.On("Download", "lta", remote).Return([]byte("c"), nil)
		f.provider.On("Decrypt", "tok", []byte("c")).Return(nil, &provider.Error{Code: "HC422"})

		r := f.engine.RunDownloadAndDecrypt(context.Background(), "id", remote, "tok", ltaDecrypt)
		assert.Equal(t, OutcomeFailure, r.Outcome())
		f.transfer.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
		f.store.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("download failure", func(t *testing.T) {
		f := newFixture()
		f.transfer.On("Download", "lta", remote).Return(nil, errors.New("no such file"))

		r := f.engine.RunDownloadAndDecrypt(context.Background(), "id", remote, "tok", ltaDecrypt)
		assert.Equal(t, OutcomeFailure, r.Outcome())
		f.provider.AssertNotCalled(t, "Decrypt", mock.Anything, mock.Anything)
	})
}

func TestResultOutcome(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, Result{Success: true}.Outcome())
	assert.Equal(t, OutcomePartial, Result{StoragePath: "a"}.Outcome())
	assert.Equal(t, OutcomePartial, Result{TransferPath: "b"}.Outcome())
	assert.Equal(t, OutcomeFailure, Failure("boom", time.Second).Outcome())
	assert.False(t, Result{Success: true, StoragePath: "a"}.Partial())
}
