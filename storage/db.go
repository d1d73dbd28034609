package storage

import (
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"seqlive.dev/transit/model"
)

// SQL-backed Storage. The same implementation serves SQLite (embedded,
// the common case) and Postgres (shared deployments); the only dialect
// differences we care about are placeholder syntax and REAL vs DOUBLE
// PRECISION.

type DBStorage struct {
	db       *sql.DB
	postgres bool
}

// NewSQLiteStorage opens an on-disk SQLite dataset. Pass ":memory:"
// for an ephemeral one.
func NewSQLiteStorage(path string) (*DBStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	s := &DBStorage{db: db}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func NewPostgresStorage(connStr string) (*DBStorage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening postgres db: %w", err)
	}
	s := &DBStorage{db: db, postgres: true}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DBStorage) Close() error { return s.db.Close() }

// Rewrites ? placeholders to $1..$n for postgres.
func (s *DBStorage) bind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func (s *DBStorage) createTables() error {
	float := "REAL"
	if s.postgres {
		float = "DOUBLE PRECISION"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS routes (
			id TEXT PRIMARY KEY,
			agency_id TEXT,
			short_name TEXT,
			long_name TEXT,
			type INTEGER,
			color TEXT
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS stops (
			id TEXT PRIMARY KEY,
			code TEXT,
			name TEXT,
			lat %s,
			lon %s,
			location_type INTEGER,
			parent_station TEXT,
			platform_code TEXT
		)`, float, float),
		`CREATE TABLE IF NOT EXISTS trips (
			id TEXT PRIMARY KEY,
			route_id TEXT,
			service_id TEXT,
			headsign TEXT,
			short_name TEXT,
			direction_id INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS calendar (
			service_id TEXT PRIMARY KEY,
			start_date TEXT,
			end_date TEXT,
			weekday INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS calendar_dates (
			service_id TEXT,
			date TEXT,
			exception_type INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS stop_times (
			trip_id TEXT,
			stop_id TEXT,
			headsign TEXT,
			stop_sequence INTEGER,
			arrival TEXT,
			departure TEXT,
			terminates INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS stop_times_stop ON stop_times (stop_id)`,
		`CREATE INDEX IF NOT EXISTS stop_times_trip ON stop_times (trip_id)`,
		`CREATE INDEX IF NOT EXISTS calendar_dates_service ON calendar_dates (service_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("creating tables: %w", err)
		}
	}
	return nil
}

func (s *DBStorage) Writer() (ScheduleWriter, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	// The writer replaces the dataset wholesale.
	for _, table := range []string{"routes", "stops", "trips", "calendar", "calendar_dates", "stop_times"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	return &dbWriter{storage: s, tx: tx}, nil
}

func (s *DBStorage) Reader() (ScheduleReader, error) {
	return &dbReader{storage: s}, nil
}

type dbWriter struct {
	storage  *DBStorage
	tx       *sql.Tx
	stopStmt *sql.Stmt
}

func (w *dbWriter) WriteAgency(agency *model.Agency) error { return nil }

func (w *dbWriter) WriteRoute(route *model.Route) error {
	_, err := w.tx.Exec(
		w.storage.bind(`INSERT INTO routes (id, agency_id, short_name, long_name, type, color)
			VALUES (?, ?, ?, ?, ?, ?)`),
		route.ID, route.AgencyID, route.ShortName, route.LongName, int(route.Type), route.Color)
	return err
}

func (w *dbWriter) WriteStop(stop *model.Stop) error {
	_, err := w.tx.Exec(
		w.storage.bind(`INSERT INTO stops (id, code, name, lat, lon, location_type, parent_station, platform_code)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		stop.ID, stop.Code, stop.Name, stop.Lat, stop.Lon, int(stop.LocationType),
		stop.ParentStation, stop.PlatformCode)
	return err
}

func (w *dbWriter) WriteTrip(trip *model.Trip) error {
	_, err := w.tx.Exec(
		w.storage.bind(`INSERT INTO trips (id, route_id, service_id, headsign, short_name, direction_id)
			VALUES (?, ?, ?, ?, ?, ?)`),
		trip.ID, trip.RouteID, trip.ServiceID, trip.Headsign, trip.ShortName, trip.DirectionID)
	return err
}

func (w *dbWriter) WriteCalendar(cal *model.Calendar) error {
	_, err := w.tx.Exec(
		w.storage.bind(`INSERT INTO calendar (service_id, start_date, end_date, weekday)
			VALUES (?, ?, ?, ?)`),
		cal.ServiceID, cal.StartDate, cal.EndDate, cal.Weekday)
	return err
}

func (w *dbWriter) WriteCalendarDate(cd *model.CalendarDate) error {
	_, err := w.tx.Exec(
		w.storage.bind(`INSERT INTO calendar_dates (service_id, date, exception_type)
			VALUES (?, ?, ?)`),
		cd.ServiceID, cd.Date, cd.ExceptionType)
	return err
}

func (w *dbWriter) BeginStopTimes() error {
	var err error
	w.stopStmt, err = w.tx.Prepare(
		w.storage.bind(`INSERT INTO stop_times (trip_id, stop_id, headsign, stop_sequence, arrival, departure, terminates)
			VALUES (?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("preparing stop_times insert: %w", err)
	}
	return nil
}

func (w *dbWriter) WriteStopTime(st *model.StopTime) error {
	terminates := 0
	if st.Terminates {
		terminates = 1
	}
	_, err := w.stopStmt.Exec(st.TripID, st.StopID, st.Headsign, st.StopSequence,
		st.Arrival, st.Departure, terminates)
	return err
}

func (w *dbWriter) EndStopTimes() error {
	if w.stopStmt != nil {
		w.stopStmt.Close()
		w.stopStmt = nil
	}

	// A trip's final stop takes no boardings.
	_, err := w.tx.Exec(`UPDATE stop_times SET terminates = 1
		WHERE stop_sequence = (
			SELECT MAX(i.stop_sequence) FROM stop_times i WHERE i.trip_id = stop_times.trip_id
		)`)
	if err != nil {
		return fmt.Errorf("marking terminal stops: %w", err)
	}
	return nil
}

func (w *dbWriter) Close() error {
	return w.tx.Commit()
}

type dbReader struct {
	storage *DBStorage
}

func (r *dbReader) Trip(tripID string) (*model.Trip, error) {
	trip := &model.Trip{}
	err := r.storage.db.QueryRow(
		r.storage.bind(`SELECT id, route_id, service_id, headsign, short_name, direction_id
			FROM trips WHERE id = ?`), tripID,
	).Scan(&trip.ID, &trip.RouteID, &trip.ServiceID, &trip.Headsign, &trip.ShortName, &trip.DirectionID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying trip: %w", err)
	}
	return trip, nil
}

func (r *dbReader) Route(routeID string) (*model.Route, error) {
	route := &model.Route{}
	var routeType int
	err := r.storage.db.QueryRow(
		r.storage.bind(`SELECT id, agency_id, short_name, long_name, type, color
			FROM routes WHERE id = ?`), routeID,
	).Scan(&route.ID, &route.AgencyID, &route.ShortName, &route.LongName, &routeType, &route.Color)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying route: %w", err)
	}
	route.Type = model.RouteType(routeType)
	return route, nil
}

func (r *dbReader) Stop(stopID string) (*model.Stop, error) {
	stop := &model.Stop{}
	var locationType int
	err := r.storage.db.QueryRow(
		r.storage.bind(`SELECT id, code, name, lat, lon, location_type, parent_station, platform_code
			FROM stops WHERE id = ?`), stopID,
	).Scan(&stop.ID, &stop.Code, &stop.Name, &stop.Lat, &stop.Lon, &locationType,
		&stop.ParentStation, &stop.PlatformCode)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying stop: %w", err)
	}
	stop.LocationType = model.LocationType(locationType)
	return stop, nil
}

func (r *dbReader) StopTimes(tripID string) ([]*model.StopTime, error) {
	rows, err := r.storage.db.Query(
		r.storage.bind(`SELECT trip_id, stop_id, headsign, stop_sequence, arrival, departure, terminates
			FROM stop_times WHERE trip_id = ? ORDER BY stop_sequence`), tripID)
	if err != nil {
		return nil, fmt.Errorf("querying stop_times: %w", err)
	}
	defer rows.Close()

	stopTimes := []*model.StopTime{}
	for rows.Next() {
		st := &model.StopTime{}
		var terminates int
		err := rows.Scan(&st.TripID, &st.StopID, &st.Headsign, &st.StopSequence,
			&st.Arrival, &st.Departure, &terminates)
		if err != nil {
			return nil, fmt.Errorf("scanning stop_time: %w", err)
		}
		st.Terminates = terminates != 0
		stopTimes = append(stopTimes, st)
	}
	return stopTimes, rows.Err()
}

func (r *dbReader) ServiceRunsOn(serviceID string, date string) (bool, error) {
	var exceptionType int
	err := r.storage.db.QueryRow(
		r.storage.bind(`SELECT exception_type FROM calendar_dates WHERE service_id = ? AND date = ?`),
		serviceID, date,
	).Scan(&exceptionType)
	if err == nil {
		return exceptionType == 1, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("querying calendar_dates: %w", err)
	}

	cal := &model.Calendar{}
	err = r.storage.db.QueryRow(
		r.storage.bind(`SELECT service_id, start_date, end_date, weekday FROM calendar WHERE service_id = ?`),
		serviceID,
	).Scan(&cal.ServiceID, &cal.StartDate, &cal.EndDate, &cal.Weekday)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying calendar: %w", err)
	}
	return calendarCovers(cal, date), nil
}

func (r *dbReader) ActiveServices(date string) ([]string, error) {
	day, err := time.ParseInLocation("20060102", date, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("parsing date: %w", err)
	}
	bit := int8(1 << day.Weekday())

	active := map[string]bool{}

	rows, err := r.storage.db.Query(
		r.storage.bind(`SELECT service_id, weekday FROM calendar WHERE start_date <= ? AND end_date >= ?`),
		date, date)
	if err != nil {
		return nil, fmt.Errorf("querying calendar: %w", err)
	}
	for rows.Next() {
		var serviceID string
		var weekday int8
		if err := rows.Scan(&serviceID, &weekday); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning calendar: %w", err)
		}
		if weekday&bit != 0 {
			active[serviceID] = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.storage.db.Query(
		r.storage.bind(`SELECT service_id, exception_type FROM calendar_dates WHERE date = ?`), date)
	if err != nil {
		return nil, fmt.Errorf("querying calendar_dates: %w", err)
	}
	for rows.Next() {
		var serviceID string
		var exceptionType int
		if err := rows.Scan(&serviceID, &exceptionType); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning calendar_dates: %w", err)
		}
		if exceptionType == 1 {
			active[serviceID] = true
		} else {
			delete(active, serviceID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	serviceIDs := make([]string, 0, len(active))
	for serviceID := range active {
		serviceIDs = append(serviceIDs, serviceID)
	}
	sort.Strings(serviceIDs)
	return serviceIDs, nil
}

func (r *dbReader) StopTimeEvents(filter StopTimeEventFilter) ([]*StopTimeEvent, error) {
	query := `SELECT
			st.trip_id, st.stop_id, st.headsign, st.stop_sequence, st.arrival, st.departure, st.terminates,
			t.id, t.route_id, t.service_id, t.headsign, t.short_name, t.direction_id,
			rt.id, rt.agency_id, rt.short_name, rt.long_name, rt.type, rt.color,
			s.id, s.code, s.name, s.lat, s.lon, s.location_type, s.parent_station, s.platform_code
		FROM stop_times st
		JOIN trips t ON t.id = st.trip_id
		JOIN routes rt ON rt.id = t.route_id
		JOIN stops s ON s.id = st.stop_id`

	where := []string{}
	args := []interface{}{}

	if filter.StopID != "" {
		where = append(where, "(st.stop_id = ? OR s.parent_station = ?)")
		args = append(args, filter.StopID, filter.StopID)
	}
	if len(filter.ServiceIDs) > 0 {
		where = append(where, "t.service_id IN ("+placeholders(len(filter.ServiceIDs))+")")
		for _, serviceID := range filter.ServiceIDs {
			args = append(args, serviceID)
		}
	}
	if filter.RouteID != "" {
		where = append(where, "t.route_id = ?")
		args = append(args, filter.RouteID)
	}
	if len(filter.TripIDs) > 0 {
		where = append(where, "st.trip_id IN ("+placeholders(len(filter.TripIDs))+")")
		for _, tripID := range filter.TripIDs {
			args = append(args, tripID)
		}
	}
	if filter.DirectionID >= 0 {
		where = append(where, "t.direction_id = ?")
		args = append(args, filter.DirectionID)
	}
	if filter.DepartureStart != "" {
		where = append(where, "st.departure >= ?")
		args = append(args, filter.DepartureStart)
	}
	if filter.DepartureEnd != "" {
		where = append(where, "st.departure <= ?")
		args = append(args, filter.DepartureEnd)
	}

	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := r.storage.db.Query(r.storage.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying stop time events: %w", err)
	}
	defer rows.Close()

	events := []*StopTimeEvent{}
	for rows.Next() {
		event := &StopTimeEvent{
			StopTime: &model.StopTime{},
			Trip:     &model.Trip{},
			Route:    &model.Route{},
			Stop:     &model.Stop{},
		}
		var terminates, routeType, locationType int
		err := rows.Scan(
			&event.StopTime.TripID, &event.StopTime.StopID, &event.StopTime.Headsign,
			&event.StopTime.StopSequence, &event.StopTime.Arrival, &event.StopTime.Departure, &terminates,
			&event.Trip.ID, &event.Trip.RouteID, &event.Trip.ServiceID, &event.Trip.Headsign,
			&event.Trip.ShortName, &event.Trip.DirectionID,
			&event.Route.ID, &event.Route.AgencyID, &event.Route.ShortName, &event.Route.LongName,
			&routeType, &event.Route.Color,
			&event.Stop.ID, &event.Stop.Code, &event.Stop.Name, &event.Stop.Lat, &event.Stop.Lon,
			&locationType, &event.Stop.ParentStation, &event.Stop.PlatformCode,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop time event: %w", err)
		}
		event.StopTime.Terminates = terminates != 0
		event.Route.Type = model.RouteType(routeType)
		event.Stop.LocationType = model.LocationType(locationType)
		events = append(events, event)
	}
	return events, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
