package store

import (
	"encoding/json"
	"time"

	"github.com/AryanChopraa/autosurf-server-node/model"
)

func toRunRow(run *model.Run) (*runRow, error) {
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return nil, err
	}
	trace, err := json.Marshal(run.Trace)
	if err != nil {
		return nil, err
	}
	var completedAt *time.Time
	if !run.CompletedAt.IsZero() {
		t := run.CompletedAt
		completedAt = &t
	}
	return &runRow{
		ID:          run.ID,
		UserID:      run.UserID,
		Objective:   run.Objective,
		Status:      string(run.Status),
		StepsJSON:   string(steps),
		FinalAnswer: run.FinalAnswer,
		TraceJSON:   string(trace),
		StartedAt:   run.StartedAt,
		CompletedAt: completedAt,
	}, nil
}

func fromRunRow(row runRow) (*model.Run, error) {
	var steps []model.Step
	if row.StepsJSON != "" {
		if err := json.Unmarshal([]byte(row.StepsJSON), &steps); err != nil {
			return nil, err
		}
	}
	var trace model.Trace
	if row.TraceJSON != "" {
		if err := json.Unmarshal([]byte(row.TraceJSON), &trace); err != nil {
			return nil, err
		}
	}
	run := &model.Run{
		ID:          row.ID,
		UserID:      row.UserID,
		Objective:   row.Objective,
		Status:      model.RunStatus(row.Status),
		Steps:       steps,
		FinalAnswer: row.FinalAnswer,
		Trace:       trace,
		StartedAt:   row.StartedAt,
	}
	if row.CompletedAt != nil {
		run.CompletedAt = *row.CompletedAt
	}
	return run, nil
}

func toAutomationRow(a *model.Automation) (*automationRow, error) {
	trace, err := json.Marshal(a.Trace)
	if err != nil {
		return nil, err
	}
	return &automationRow{
		ID:        a.ID,
		UserID:    a.UserID,
		Name:      a.Name,
		Objective: a.Objective,
		TraceJSON: string(trace),
	}, nil
}

func fromAutomationRow(row automationRow) (*model.Automation, error) {
	var trace model.Trace
	if row.TraceJSON != "" {
		if err := json.Unmarshal([]byte(row.TraceJSON), &trace); err != nil {
			return nil, err
		}
	}
	return &model.Automation{
		ID:        row.ID,
		UserID:    row.UserID,
		Name:      row.Name,
		Objective: row.Objective,
		Trace:     trace,
	}, nil
}
