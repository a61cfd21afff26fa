// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package taskqueue enqueues named tasks that re-enter the service through
// its task handlers. Named tasks give dedup-by-name semantics: enqueueing
// the same name twice within the dedup window is a no-op.
package taskqueue

import (
	"context"
	"fmt"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	taskspb "google.golang.org/genproto/googleapis/cloud/tasks/v2"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Handler paths of the tasks this service enqueues for itself.
const (
	// DetectFailurePath runs failure detection for one failed build.
	DetectFailurePath = "/internal/task/detect-failure"
	// AnalyzeFailurePath starts the analysis of a detected failure.
	AnalyzeFailurePath = "/internal/task/analyze"
	// ProcessFlakePath files or updates the issue of one flake.
	ProcessFlakePath = "/internal/task/process-flake"
	// RerunStagePath dispatches one stage of the rerun state machine.
	RerunStagePath = "/internal/task/rerun-stage"
	// CulpritVerifyPath verifies a suspect with paired reruns.
	CulpritVerifyPath = "/internal/task/culprit-verification"
)

// Task is one unit of deferred work.
type Task struct {
	// Name dedups the task. Tasks with the same name within the dedup
	// window are enqueued once.
	Name string
	// Path is the relative URL of the task handler.
	Path string
	// Payload is the JSON body posted to the handler.
	Payload []byte
	// Delay postpones execution.
	Delay time.Duration
}

// Client enqueues tasks.
type Client interface {
	Enqueue(c context.Context, task *Task) error
}

// MockedClientKey is the context key for a fake client in tests.
var MockedClientKey = "mocked taskqueue client"

// GetClient returns the task queue client to use.
func GetClient(c context.Context) (Client, error) {
	if mock, ok := c.Value(&MockedClientKey).(Client); ok {
		return mock, nil
	}
	ct, err := cloudtasks.NewClient(c)
	if err != nil {
		return nil, errors.Annotate(err, "creating cloud tasks client").Err()
	}
	return &cloudTasksClient{client: ct, queuePath: defaultQueuePath}, nil
}

// Enqueue enqueues a task with the default client.
func Enqueue(c context.Context, task *Task) error {
	client, err := GetClient(c)
	if err != nil {
		return err
	}
	return client.Enqueue(c, task)
}

const defaultQueuePath = "projects/flake-triage/locations/us-central1/queues/analysis"

type cloudTasksClient struct {
	client    *cloudtasks.Client
	queuePath string
}

func (ct *cloudTasksClient) Enqueue(c context.Context, task *Task) error {
	req := &taskspb.CreateTaskRequest{
		Parent: ct.queuePath,
		Task: &taskspb.Task{
			Name: fmt.Sprintf("%s/tasks/%s", ct.queuePath, task.Name),
			MessageType: &taskspb.Task_AppEngineHttpRequest{
				AppEngineHttpRequest: &taskspb.AppEngineHttpRequest{
					HttpMethod:  taskspb.HttpMethod_POST,
					RelativeUri: task.Path,
					Body:        task.Payload,
					Headers:     map[string]string{"Content-Type": "application/json"},
				},
			},
		},
	}
	if task.Delay > 0 {
		req.Task.ScheduleTime = timestamppb.New(clock.Now(c).Add(task.Delay))
	}
	_, err := ct.client.CreateTask(c, req)
	if status.Code(err) == codes.AlreadyExists {
		// Duplicate enqueue of the same name, deliberately a no-op.
		logging.Warningf(c, "task %s already enqueued, skipping", task.Name)
		return nil
	}
	if err != nil {
		return errors.Annotate(err, "enqueueing task %s", task.Name).Err()
	}
	return nil
}

// FakeClient records enqueued tasks in memory, deduping by name.
type FakeClient struct {
	Tasks []*Task
	seen  map[string]bool
}

// NewFakeClient returns an empty fake task queue.
func NewFakeClient() *FakeClient {
	return &FakeClient{seen: map[string]bool{}}
}

// UseFakeClient installs the fake into the context.
func UseFakeClient(c context.Context, f *FakeClient) context.Context {
	return context.WithValue(c, &MockedClientKey, Client(f))
}

func (f *FakeClient) Enqueue(c context.Context, task *Task) error {
	if f.seen[task.Name] {
		return nil
	}
	f.seen[task.Name] = true
	f.Tasks = append(f.Tasks, task)
	return nil
}
