// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"io"
	"log"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestRecorderWritesBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO usage_records")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	r := NewUsageRecorder(db, log.New(io.Discard, "", 0))
	r.Record(&UsageRecord{RequestID: "req-1", UserID: 1, Endpoint: EndpointChatCompletions, Model: "flat", Status: StageCompleted})
	r.Record(&UsageRecord{RequestID: "req-2", UserID: 1, Endpoint: EndpointChatCompletions, Model: "flat", Status: "failed", ErrorCode: string(ErrCodeProviderUnavailable)})
	r.Close()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecorderNilDB(t *testing.T) {
	r := NewUsageRecorder(nil, log.New(io.Discard, "", 0))
	r.Record(&UsageRecord{RequestID: "req-1", UserID: 1, Endpoint: EndpointChatCompletions, Model: "flat", Status: StageCompleted})
	r.Close()
}

func TestRecorderAssignsDefaults(t *testing.T) {
	r := NewUsageRecorder(nil, log.New(io.Discard, "", 0))
	defer r.Close()

	rec := &UsageRecord{RequestID: "req-1", UserID: 1, Endpoint: EndpointChatCompletions, Model: "flat", Status: StageCompleted}
	r.Record(rec)

	if rec.ID == "" {
		t.Error("record id must be assigned")
	}
	if rec.Timestamp.IsZero() {
		t.Error("timestamp must be assigned")
	}
}
