package uws

// PermissionTarget is the subject of a permission check: a *Job or a *JobList.
type PermissionTarget interface {
	isPermissionTarget()
}

func (*Job) isPermissionTarget()     {}
func (*JobList) isPermissionTarget() {}

// JobOwner identifies a principal holding permissions on lists and jobs.
// Jobs reference their owner but never own it.
type JobOwner interface {
	ID() string
	// Pseudonym is the display name; falls back to ID when empty.
	Pseudonym() string
	HasReadPermission(target PermissionTarget) bool
	HasWritePermission(target PermissionTarget) bool
	HasExecutePermission(job *Job) bool
}

// BasicOwner is the default JobOwner: full rights on job lists and on its
// own jobs, no rights on jobs of other owners.
type BasicOwner struct {
	OwnerID string `json:"id"`
	Pseudo  string `json:"pseudonym,omitempty"`
}

func NewBasicOwner(id, pseudonym string) *BasicOwner {
	return &BasicOwner{OwnerID: id, Pseudo: pseudonym}
}

func (o *BasicOwner) ID() string {
	return o.OwnerID
}

func (o *BasicOwner) Pseudonym() string {
	if o.Pseudo != "" {
		return o.Pseudo
	}
	return o.OwnerID
}

func (o *BasicOwner) ownsTarget(target PermissionTarget) bool {
	switch t := target.(type) {
	case *JobList:
		return true
	case *Job:
		owner := t.Owner()
		return owner == nil || owner.ID() == o.OwnerID
	}
	return false
}

func (o *BasicOwner) HasReadPermission(target PermissionTarget) bool {
	return o.ownsTarget(target)
}

func (o *BasicOwner) HasWritePermission(target PermissionTarget) bool {
	return o.ownsTarget(target)
}

func (o *BasicOwner) HasExecutePermission(job *Job) bool {
	return o.ownsTarget(job)
}

// OwnerID returns the owner's id, or "" for an anonymous (nil) owner.
func OwnerID(owner JobOwner) string {
	if owner == nil {
		return ""
	}
	return owner.ID()
}
