package db

const (
	insertJob = `
		INSERT INTO print_jobs (id, queue, username, file_name)
		VALUES (?, ?, ?, ?)
	`

	getJobByID = `
		SELECT id, queue, username, file_name, file_path, received, processed, printed, failed,
		       delete_data_on, pages, color_pages, destination, eta, refunded, error, created_at
		FROM print_jobs WHERE id = ?
	`

	updateJob = `
		UPDATE print_jobs SET
			file_path = ?, received = ?, processed = ?, printed = ?, failed = ?,
			delete_data_on = ?, pages = ?, color_pages = ?, destination = ?, eta = ?,
			refunded = ?, error = ?
		WHERE id = ?
	`

	listJobsByUser = `
		SELECT id, queue, username, file_name, file_path, received, processed, printed, failed,
		       delete_data_on, pages, color_pages, destination, eta, refunded, error, created_at
		FROM print_jobs WHERE username = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	getOldJobs = `
		SELECT id, queue, username, file_name, file_path, received, processed, printed, failed,
		       delete_data_on, pages, color_pages, destination, eta, refunded, error, created_at
		FROM print_jobs
		WHERE processed IS NULL AND printed IS NULL AND failed IS NULL
		  AND julianday(created_at) < julianday(?)
	`

	getPurgeableJobs = `
		SELECT id, queue, username, file_name, file_path, received, processed, printed, failed,
		       delete_data_on, pages, color_pages, destination, eta, refunded, error, created_at
		FROM print_jobs
		WHERE file_path IS NOT NULL AND delete_data_on IS NOT NULL
		  AND julianday(delete_data_on) < julianday(?)
	`

	getMaxEtaForDestination = `
		SELECT COALESCE(MAX(eta), 0) FROM print_jobs
		WHERE destination = ? AND printed IS NULL AND failed IS NULL
	`

	sumPrintedCost = `
		SELECT COALESCE(SUM(pages + 2 * color_pages), 0) FROM print_jobs
		WHERE username = ? AND printed IS NOT NULL AND failed IS NULL AND refunded = 0
	`
)

const (
	insertQueue = `
		INSERT INTO print_queues (name, display_name, destinations_json, strategy)
		VALUES (?, ?, ?, ?)
	`

	getQueueByName = `
		SELECT id, name, display_name, destinations_json, strategy, created_at
		FROM print_queues WHERE name = ?
	`

	listQueues = `
		SELECT id, name, display_name, destinations_json, strategy, created_at
		FROM print_queues ORDER BY name ASC
	`
)

const (
	insertDestination = `
		INSERT INTO destinations (name, up, pages_per_minute, transfer_path, transfer_domain, transfer_user, transfer_password)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	getDestinationByID = `
		SELECT id, name, up, pages_per_minute, down_reason, down_reporter,
		       transfer_path, transfer_domain, transfer_user, transfer_password, created_at
		FROM destinations WHERE id = ?
	`

	listDestinations = `
		SELECT id, name, up, pages_per_minute, down_reason, down_reporter,
		       transfer_path, transfer_domain, transfer_user, transfer_password, created_at
		FROM destinations ORDER BY name ASC
	`

	updateDestinationStatus = `
		UPDATE destinations SET up = ?, down_reason = ?, down_reporter = ? WHERE id = ?
	`
)

const (
	insertUser = `
		INSERT INTO users (username, role, color_enabled, groups_json, semesters_json)
		VALUES (?, ?, ?, ?, ?)
	`

	getUserByName = `
		SELECT id, username, role, color_enabled, groups_json, semesters_json, created_at
		FROM users WHERE username = ?
	`
)
