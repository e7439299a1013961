package store

// FileRecord stores one code file owned by a project. Writes are upserts keyed
// by the client-generated file id.
type FileRecord struct {
	FileID           string `gorm:"column:file_id;primaryKey;size:190;not null"`
	ProjectID        string `gorm:"column:project_id;size:190;not null;index:idx_files_project_order,priority:1"`
	Filename         string `gorm:"column:filename;size:512;not null"`
	Language         string `gorm:"column:language;size:64"`
	Content          string `gorm:"column:content;type:text;not null"`
	OriginalContent  string `gorm:"column:original_content;type:text"`
	UploadedBy       string `gorm:"column:uploaded_by;size:190"`
	DisplayOrder     int    `gorm:"column:display_order;not null;default:0;index:idx_files_project_order,priority:2"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FileRecord) TableName() string {
	return "code_files"
}

// AnnotationRecord stores one line-anchored annotation.
type AnnotationRecord struct {
	AnnotationID     string `gorm:"column:annotation_id;primaryKey;size:190;not null"`
	FileID           string `gorm:"column:file_id;size:190;not null;index:idx_annotations_file"`
	ProjectID        string `gorm:"column:project_id;size:190;not null;index:idx_annotations_project"`
	AuthorID         string `gorm:"column:author_id;size:190"`
	LineNumber       int    `gorm:"column:line_number;not null"`
	EndLineNumber    int    `gorm:"column:end_line_number;not null;default:0"`
	LineContent      string `gorm:"column:line_content;type:text"`
	Kind             string `gorm:"column:kind;size:32;not null"`
	Content          string `gorm:"column:content;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AnnotationRecord) TableName() string {
	return "annotations"
}

// ReplyRecord stores one threaded reply under an annotation.
type ReplyRecord struct {
	ReplyID          string `gorm:"column:reply_id;primaryKey;size:190;not null"`
	AnnotationID     string `gorm:"column:annotation_id;size:190;not null;index:idx_replies_annotation"`
	ProjectID        string `gorm:"column:project_id;size:190;not null;index:idx_replies_project"`
	AuthorID         string `gorm:"column:author_id;size:190"`
	AuthorLabel      string `gorm:"column:author_label;size:320"`
	Content          string `gorm:"column:content;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ReplyRecord) TableName() string {
	return "annotation_replies"
}

// DeletionRequestRecord stores an outstanding two-phase deletion intent for a
// code file. Rows past their expiry are swept on the next list.
type DeletionRequestRecord struct {
	RequestID        string `gorm:"column:request_id;primaryKey;size:190;not null"`
	FileID           string `gorm:"column:file_id;size:190;not null;index:idx_deletion_requests_file"`
	ProjectID        string `gorm:"column:project_id;size:190;not null;index:idx_deletion_requests_project"`
	RequestedBy      string `gorm:"column:requested_by;size:190"`
	Filename         string `gorm:"column:filename;size:512;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	ExpiresAtSeconds int64  `gorm:"column:expires_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DeletionRequestRecord) TableName() string {
	return "deletion_requests"
}
