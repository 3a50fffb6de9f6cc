// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Grounded on ClusterCockpit-cc-backend/internal/repository/job.go's
// squirrel-query + sqlx-scan shape, applied to the Task/Device/Point
// hierarchy (spec §3 "Data Model") instead of cc-backend's Job model.
package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/clustercockpit/acquisition-gateway/internal/schema"
	"github.com/clustercockpit/acquisition-gateway/pkg/log"
)

// TaskRepository loads and persists Tasks and their Device/Point trees.
type TaskRepository struct {
	db *sqlx.DB
	sb sq.StatementBuilderType
}

func NewTaskRepository() *TaskRepository {
	conn := GetConnection()
	return &TaskRepository{db: conn.DB, sb: sq.StatementBuilder.PlaceholderFormat(sq.Question)}
}

type deviceRow struct {
	ID       int64  `db:"id"`
	TaskID   int64  `db:"task_id"`
	Code     string `db:"code"`
	Protocol string `db:"protocol"`
	Host     string `db:"host"`
	Port     int    `db:"port"`
	Slave    int    `db:"slave"`
	Metadata sql.NullString `db:"metadata"`
}

type pointRow struct {
	ID          int64          `db:"id"`
	DeviceID    int64          `db:"device_id"`
	Code        string         `db:"code"`
	Address     string         `db:"address"`
	Type        string         `db:"type"`
	Length      int            `db:"length"`
	Coefficient float64        `db:"coefficient"`
	Precision   int            `db:"scale"`
	Name        sql.NullString `db:"name"`
	Unit        sql.NullString `db:"unit"`
}

// ByCode loads a Task and its full Device/Point tree by task code.
func (r *TaskRepository) ByCode(code string) (schema.Task, error) {
	var task schema.Task
	row := r.db.QueryRow(`SELECT id, code, name, schedule, poll_interval_s FROM task WHERE code = ?`, code)
	if err := row.Scan(&task.ID, &task.Code, &task.Name, &task.Schedule, &task.PollIntervalS); err != nil {
		if err == sql.ErrNoRows {
			return task, fmt.Errorf("repository: task %q not found", code)
		}
		return task, fmt.Errorf("repository: load task %q: %w", code, err)
	}

	devices, err := r.loadDevices(task.ID)
	if err != nil {
		return task, err
	}
	task.Devices = devices
	return task, nil
}

func (r *TaskRepository) loadDevices(taskID int64) ([]schema.Device, error) {
	var rows []deviceRow
	query, args, err := r.sb.Select("id", "task_id", "code", "protocol", "host", "port", "slave", "metadata").
		From("device").Where(sq.Eq{"task_id": taskID}).OrderBy("id").ToSql()
	if err != nil {
		return nil, err
	}
	if err := r.db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("repository: load devices for task %d: %w", taskID, err)
	}

	devices := make([]schema.Device, 0, len(rows))
	for _, dr := range rows {
		d := schema.Device{
			Code: dr.Code, Protocol: schema.Protocol(dr.Protocol),
			Host: dr.Host, Port: dr.Port, Slave: dr.Slave,
		}
		if dr.Metadata.Valid && dr.Metadata.String != "" {
			if err := json.Unmarshal([]byte(dr.Metadata.String), &d.Metadata); err != nil {
				log.Warnf("repository: device %q has malformed metadata: %s", dr.Code, err)
			}
		}
		points, err := r.loadPoints(dr.ID)
		if err != nil {
			return nil, err
		}
		d.Points = points
		devices = append(devices, d)
	}
	return devices, nil
}

func (r *TaskRepository) loadPoints(deviceID int64) ([]schema.Point, error) {
	var rows []pointRow
	query, args, err := r.sb.Select("id", "device_id", "code", "address", "type", "length", "coefficient", `scale`, "name", "unit").
		From("point").Where(sq.Eq{"device_id": deviceID}).OrderBy("id").ToSql()
	if err != nil {
		return nil, err
	}
	if err := r.db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("repository: load points for device %d: %w", deviceID, err)
	}

	points := make([]schema.Point, 0, len(rows))
	for _, pr := range rows {
		points = append(points, schema.Point{
			Code: pr.Code, Address: pr.Address, Type: schema.PointType(pr.Type),
			Length: pr.Length, Coefficient: pr.Coefficient, Precision: pr.Precision,
			Name: pr.Name.String, Unit: pr.Unit.String,
		})
	}
	return points, nil
}

// Upsert persists a Task and replaces its Device/Point tree wholesale --
// the catalog is treated as immutable for the lifetime of a Session
// (spec §3), so a config reload simply replaces it rather than diffing.
func (r *TaskRepository) Upsert(task schema.Task) (int64, error) {
	tx, err := r.db.Beginx()
	if err != nil {
		return 0, fmt.Errorf("repository: begin tx: %w", err)
	}
	defer tx.Rollback()

	var taskID int64
	err = tx.QueryRow(`SELECT id FROM task WHERE code = ?`, task.Code).Scan(&taskID)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.Exec(`INSERT INTO task (code, name, schedule, poll_interval_s) VALUES (?, ?, ?, ?)`,
			task.Code, task.Name, string(task.Schedule), task.PollIntervalS)
		if err != nil {
			return 0, fmt.Errorf("repository: insert task: %w", err)
		}
		taskID, err = res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("repository: insert task id: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("repository: lookup task: %w", err)
	default:
		if _, err := tx.Exec(`UPDATE task SET name = ?, schedule = ?, poll_interval_s = ? WHERE id = ?`,
			task.Name, string(task.Schedule), task.PollIntervalS, taskID); err != nil {
			return 0, fmt.Errorf("repository: update task: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM device WHERE task_id = ?`, taskID); err != nil {
			return 0, fmt.Errorf("repository: clear devices: %w", err)
		}
	}

	for _, d := range task.Devices {
		meta, err := json.Marshal(d.Metadata)
		if err != nil {
			return 0, fmt.Errorf("repository: encode device metadata: %w", err)
		}
		res, err := tx.Exec(`INSERT INTO device (task_id, code, protocol, host, port, slave, metadata) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			taskID, d.Code, string(d.Protocol), d.Host, d.Port, d.Slave, string(meta))
		if err != nil {
			return 0, fmt.Errorf("repository: insert device %q: %w", d.Code, err)
		}
		deviceID, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("repository: insert device id: %w", err)
		}

		for _, p := range d.Points {
			if _, err := tx.Exec(`INSERT INTO point (device_id, code, address, type, length, coefficient, scale, name, unit)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				deviceID, p.Code, p.Address, string(p.Type), p.EffectiveLength(), p.EffectiveCoefficient(), p.Precision, p.Name, p.Unit); err != nil {
				return 0, fmt.Errorf("repository: insert point %q: %w", p.Code, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("repository: commit: %w", err)
	}
	return taskID, nil
}
