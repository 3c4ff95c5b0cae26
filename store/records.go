package store

import (
	"database/sql"
	"time"
)

// ServerRecord is one row of the servers table. Steps mutate it only
// through UpdateServer with a typed Field.
type ServerRecord struct {
	ServerID            string       `db:"server_id"`
	StatusName          string       `db:"status_name"`
	IsReady             bool         `db:"is_ready"`
	ServerModel         string       `db:"server_model"`
	IPAddress           string       `db:"ip_address"`
	IPAddressWorks      bool         `db:"ip_address_works"`
	IPMIAddress         string       `db:"ipmi_address"`
	IPMIAddressWorks    bool         `db:"ipmi_address_works"`
	KCSStatus           string       `db:"kcs_status"`
	HostInterfaceStatus string       `db:"host_interface_status"`
	IPMIUsername        string       `db:"ipmi_username"`
	IPMIPasswordSet     bool         `db:"ipmi_password_set"`
	BIOSPasswordSet     bool         `db:"bios_password_set"`
	RedfishAvailable    bool         `db:"redfish_available"`
	CreatedAt           time.Time    `db:"created_at"`
	UpdatedAt           time.Time    `db:"updated_at"`
	LastSeen            sql.NullTime `db:"last_seen"`
	CPUModel            string       `db:"cpu_model"`
	MemoryGB            int64        `db:"memory_gb"`
	StorageInfo         string       `db:"storage_info"`
	NetworkInterfaces   string       `db:"network_interfaces"`
	FirmwareVersion     string       `db:"firmware_version"`
	RackLocation        string       `db:"rack_location"`
	Tags                string       `db:"tags"`
	PowerState          string       `db:"power_state"`
	LastPowerChange     sql.NullTime `db:"last_power_change"`
	DeviceType          string       `db:"device_type"`
	ServerType          string       `db:"server_type"`
	CommissioningStatus string       `db:"commissioning_status"`
	WorkflowID          string       `db:"workflow_id"`
	WorkflowStatus      string       `db:"workflow_status"`
	LastWorkflowRun     sql.NullTime `db:"last_workflow_run"`
	BIOSConfigApplied   bool         `db:"bios_config_applied"`
	BIOSConfigVersion   string       `db:"bios_config_version"`
	IPMIConfigured      bool         `db:"ipmi_configured"`
	SSHAccessible       bool         `db:"ssh_accessible"`
	HardwareValidated   bool         `db:"hardware_validated"`
	ProvisioningTarget  string       `db:"provisioning_target"`
	AssignedRole        string       `db:"assigned_role"`
	DeploymentStatus    string       `db:"deployment_status"`
	Notes               string       `db:"notes"`
}

// WorkflowRecord is one row of the workflow_history table.
type WorkflowRecord struct {
	ID             int64        `db:"id"`
	WorkflowID     string       `db:"workflow_id"`
	ServerID       string       `db:"server_id"`
	DeviceType     string       `db:"device_type"`
	Status         string       `db:"status"`
	StartedAt      time.Time    `db:"started_at"`
	CompletedAt    sql.NullTime `db:"completed_at"`
	StepsCompleted int64        `db:"steps_completed"`
	TotalSteps     int64        `db:"total_steps"`
	ErrorMessage   string       `db:"error_message"`
	Metadata       string       `db:"metadata"`
}

// PowerStateChange is one row of the power_state_history table.
type PowerStateChange struct {
	ID        int64     `db:"id"`
	ServerID  string    `db:"server_id"`
	OldState  string    `db:"old_state"`
	NewState  string    `db:"new_state"`
	ChangedAt time.Time `db:"changed_at"`
	ChangedBy string    `db:"changed_by"`
}

// Workflow terminal and transitional statuses.
const (
	WorkflowPending   = "pending"
	WorkflowRunning   = "running"
	WorkflowSuccess   = "success"
	WorkflowFailed    = "failed"
	WorkflowCancelled = "cancelled"
)

// Field names a single updatable servers column. Unknown fields are
// tolerated by UpdateServer for forward compatibility.
type Field string

const (
	FieldStatusName          Field = "status_name"
	FieldIsReady             Field = "is_ready"
	FieldServerModel         Field = "server_model"
	FieldIPAddress           Field = "ip_address"
	FieldIPAddressWorks      Field = "ip_address_works"
	FieldIPMIAddress         Field = "ipmi_address"
	FieldIPMIAddressWorks    Field = "ipmi_address_works"
	FieldKCSStatus           Field = "kcs_status"
	FieldHostInterfaceStatus Field = "host_interface_status"
	FieldIPMIUsername        Field = "ipmi_username"
	FieldIPMIPasswordSet     Field = "ipmi_password_set"
	FieldBIOSPasswordSet     Field = "bios_password_set"
	FieldRedfishAvailable    Field = "redfish_available"
	FieldLastSeen            Field = "last_seen"
	FieldCPUModel            Field = "cpu_model"
	FieldMemoryGB            Field = "memory_gb"
	FieldStorageInfo         Field = "storage_info"
	FieldNetworkInterfaces   Field = "network_interfaces"
	FieldFirmwareVersion     Field = "firmware_version"
	FieldRackLocation        Field = "rack_location"
	FieldTags                Field = "tags"
	FieldPowerState          Field = "power_state"
	FieldDeviceType          Field = "device_type"
	FieldServerType          Field = "server_type"
	FieldCommissioningStatus Field = "commissioning_status"
	FieldWorkflowID          Field = "workflow_id"
	FieldWorkflowStatus      Field = "workflow_status"
	FieldBIOSConfigApplied   Field = "bios_config_applied"
	FieldBIOSConfigVersion   Field = "bios_config_version"
	FieldIPMIConfigured      Field = "ipmi_configured"
	FieldSSHAccessible       Field = "ssh_accessible"
	FieldHardwareValidated   Field = "hardware_validated"
	FieldProvisioningTarget  Field = "provisioning_target"
	FieldAssignedRole        Field = "assigned_role"
	FieldDeploymentStatus    Field = "deployment_status"
	FieldNotes               Field = "notes"
)

// updatableFields maps a Field to its column. The indirection keeps
// UpdateServer's SQL assembly closed over a fixed column set.
var updatableFields = map[Field]string{
	FieldStatusName:          "status_name",
	FieldIsReady:             "is_ready",
	FieldServerModel:         "server_model",
	FieldIPAddress:           "ip_address",
	FieldIPAddressWorks:      "ip_address_works",
	FieldIPMIAddress:         "ipmi_address",
	FieldIPMIAddressWorks:    "ipmi_address_works",
	FieldKCSStatus:           "kcs_status",
	FieldHostInterfaceStatus: "host_interface_status",
	FieldIPMIUsername:        "ipmi_username",
	FieldIPMIPasswordSet:     "ipmi_password_set",
	FieldBIOSPasswordSet:     "bios_password_set",
	FieldRedfishAvailable:    "redfish_available",
	FieldLastSeen:            "last_seen",
	FieldCPUModel:            "cpu_model",
	FieldMemoryGB:            "memory_gb",
	FieldStorageInfo:         "storage_info",
	FieldNetworkInterfaces:   "network_interfaces",
	FieldFirmwareVersion:     "firmware_version",
	FieldRackLocation:        "rack_location",
	FieldTags:                "tags",
	FieldPowerState:          "power_state",
	FieldDeviceType:          "device_type",
	FieldServerType:          "server_type",
	FieldCommissioningStatus: "commissioning_status",
	FieldWorkflowID:          "workflow_id",
	FieldWorkflowStatus:      "workflow_status",
	FieldBIOSConfigApplied:   "bios_config_applied",
	FieldBIOSConfigVersion:   "bios_config_version",
	FieldIPMIConfigured:      "ipmi_configured",
	FieldSSHAccessible:       "ssh_accessible",
	FieldHardwareValidated:   "hardware_validated",
	FieldProvisioningTarget:  "provisioning_target",
	FieldAssignedRole:        "assigned_role",
	FieldDeploymentStatus:    "deployment_status",
	FieldNotes:               "notes",
}

// Fields returns every updatable field, for callers that enumerate.
func Fields() []Field {
	out := make([]Field, 0, len(updatableFields))
	for f := range updatableFields {
		out = append(out, f)
	}
	return out
}
