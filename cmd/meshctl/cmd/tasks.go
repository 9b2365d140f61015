package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/meshsched/meshsched/pkg/api"
	"github.com/meshsched/meshsched/pkg/models"
)

var (
	taskID           string
	taskType         string
	taskPayload      string
	taskPriority     string
	taskDeps         []string
	taskTimeout      float64
	taskDuration     float64
	taskMaxRetries   int
	taskStatusFilter string

	reqCPU       int
	reqMemory    int64
	reqStorage   int64
	reqGPU       bool
	reqGPUMemory int64
	reqBandwidth float64
)

// tasksCmd represents the tasks command
var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage tasks",
	Long:  `Commands for submitting, listing and cancelling tasks on the scheduler.`,
}

var tasksSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task",
	Long: `Submit a task to the scheduler. Requirements left unset use the daemon defaults.

Example:
  meshctl tasks submit --type sleep --payload '{"seconds": 5}' --priority high --cpu 2 --memory 1024`,
	RunE: runTasksSubmit,
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTasksList,
}

var tasksGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show a task, including archived ones",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksGet,
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a pending task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksCancel,
}

var tasksEstimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Price a requirement on every known node",
	RunE:  runTasksEstimate,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksSubmitCmd)
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksGetCmd)
	tasksCmd.AddCommand(tasksCancelCmd)
	tasksCmd.AddCommand(tasksEstimateCmd)

	tasksSubmitCmd.Flags().StringVar(&taskID, "id", "", "task id (generated when empty)")
	tasksSubmitCmd.Flags().StringVar(&taskType, "type", "", "task type (required)")
	tasksSubmitCmd.Flags().StringVar(&taskPayload, "payload", "", "JSON payload")
	tasksSubmitCmd.Flags().StringVar(&taskPriority, "priority", "normal", "priority: low, normal, high, critical or urgent")
	tasksSubmitCmd.Flags().StringSliceVar(&taskDeps, "depends-on", nil, "ids of tasks that must complete first")
	tasksSubmitCmd.Flags().Float64Var(&taskTimeout, "timeout-seconds", 0, "execution timeout (0 = daemon default)")
	tasksSubmitCmd.Flags().Float64Var(&taskDuration, "duration-seconds", 0, "estimated duration used for cost")
	tasksSubmitCmd.Flags().IntVar(&taskMaxRetries, "max-retries", 0, "retry limit (0 = daemon default)")
	tasksSubmitCmd.MarkFlagRequired("type")
	addRequirementFlags(tasksSubmitCmd)

	tasksListCmd.Flags().StringVar(&taskStatusFilter, "status", "", "filter by status (pending, running, completed, failed, cancelled, timeout)")

	addRequirementFlags(tasksEstimateCmd)
	tasksEstimateCmd.Flags().Float64Var(&taskDuration, "duration-seconds", 60, "expected duration")
}

func addRequirementFlags(c *cobra.Command) {
	c.Flags().IntVar(&reqCPU, "cpu", 0, "CPU cores")
	c.Flags().Int64Var(&reqMemory, "memory", 0, "memory in MB")
	c.Flags().Int64Var(&reqStorage, "storage", 0, "storage in GB")
	c.Flags().BoolVar(&reqGPU, "gpu", false, "require a GPU")
	c.Flags().Int64Var(&reqGPUMemory, "gpu-memory", 0, "GPU memory in MB")
	c.Flags().Float64Var(&reqBandwidth, "bandwidth", 0, "network bandwidth in Mbps")
}

// requirementFromFlags returns nil when no requirement flag was set
func requirementFromFlags(c *cobra.Command) *models.ResourceRequirement {
	changed := false
	for _, name := range []string{"cpu", "memory", "storage", "gpu", "gpu-memory", "bandwidth"} {
		if c.Flags().Changed(name) {
			changed = true
			break
		}
	}
	if !changed {
		return nil
	}
	req := models.DefaultResourceRequirement()
	if c.Flags().Changed("cpu") {
		req.CPUCores = reqCPU
	}
	if c.Flags().Changed("memory") {
		req.MemoryMB = reqMemory
	}
	if c.Flags().Changed("storage") {
		req.StorageGB = reqStorage
	}
	if c.Flags().Changed("bandwidth") {
		req.NetworkBandwidthMbps = reqBandwidth
	}
	req.GPURequired = reqGPU
	req.GPUMemoryMB = reqGPUMemory
	return &req
}

func runTasksSubmit(cmd *cobra.Command, args []string) error {
	priority, err := models.ParsePriority(taskPriority)
	if err != nil {
		return err
	}
	req := api.SubmitTaskRequest{
		ID:                       taskID,
		Type:                     taskType,
		Requirements:             requirementFromFlags(cmd),
		Priority:                 priority,
		Dependencies:             taskDeps,
		TimeoutSeconds:           taskTimeout,
		EstimatedDurationSeconds: taskDuration,
		MaxRetries:               taskMaxRetries,
	}
	if taskPayload != "" {
		if !json.Valid([]byte(taskPayload)) {
			return fmt.Errorf("--payload is not valid JSON")
		}
		req.Payload = json.RawMessage(taskPayload)
	}
	if req.Requirements != nil {
		if err := req.Requirements.Validate(); err != nil {
			return err
		}
	}

	ctx, cancel := requestContext()
	defer cancel()
	id, err := newClient().SubmitTask(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to submit task: %w", err)
	}

	if done, err := printStructured(api.SubmitTaskResponse{TaskID: id}); done {
		return err
	}
	fmt.Printf("Task submitted: %s\n", id)
	return nil
}

func runTasksList(cmd *cobra.Command, args []string) error {
	var status models.TaskStatus
	if taskStatusFilter != "" {
		s, err := models.ParseTaskStatus(taskStatusFilter)
		if err != nil {
			return err
		}
		status = s
	}

	ctx, cancel := requestContext()
	defer cancel()
	tasks, err := newClient().ListTasks(ctx, status)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	if done, err := printStructured(tasks); done {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Type", "Priority", "Status", "Node", "Retries", "Created")
	for _, t := range tasks {
		table.Append(
			t.ID,
			t.Type,
			t.Priority.String(),
			string(t.Status),
			orDash(t.AssignedNode),
			fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries),
			formatTime(&t.CreatedAt),
		)
	}
	table.Render()
	return nil
}

func runTasksGet(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()
	task, err := newClient().GetTask(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get task: %w", err)
	}

	if done, err := printStructured(task); done {
		return err
	}

	r := task.Requirements
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Task ID", task.ID)
	table.Append("Type", task.Type)
	table.Append("Priority", task.Priority.String())
	table.Append("Status", string(task.Status))
	table.Append("Node", orDash(task.AssignedNode))
	table.Append("Requirements", fmt.Sprintf("%d cores, %d MB, %d GB, gpu=%v", r.CPUCores, r.MemoryMB, r.StorageGB, r.GPURequired))
	table.Append("Dependencies", orDash(strings.Join(task.Dependencies, ", ")))
	table.Append("Retries", fmt.Sprintf("%d/%d", task.RetryCount, task.MaxRetries))
	table.Append("Timeout", task.Timeout.String())
	table.Append("Estimated Cost", fmt.Sprintf("%.4f", task.EstimatedCost))
	table.Append("Actual Cost", fmt.Sprintf("%.4f", task.ActualCost))
	table.Append("Created", formatTime(&task.CreatedAt))
	table.Append("Started", formatTime(task.StartedAt))
	table.Append("Completed", formatTime(task.CompletedAt))
	if task.Error != "" {
		table.Append("Error", task.Error)
	}
	if len(task.Result) > 0 {
		table.Append("Result", string(task.Result))
	}
	table.Render()
	return nil
}

func runTasksCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()
	if err := newClient().CancelTask(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to cancel task: %w", err)
	}
	fmt.Printf("Task %s cancelled\n", args[0])
	return nil
}

func runTasksEstimate(cmd *cobra.Command, args []string) error {
	req := api.EstimateRequest{Requirements: models.DefaultResourceRequirement(), DurationSeconds: taskDuration}
	if r := requirementFromFlags(cmd); r != nil {
		req.Requirements = *r
	}

	ctx, cancel := requestContext()
	defer cancel()
	estimates, err := newClient().EstimateCost(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to estimate cost: %w", err)
	}

	if done, err := printStructured(estimates); done {
		return err
	}
	if len(estimates) == 0 {
		fmt.Println("No nodes registered")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Node", "Fits", "Available", "Score", "Distance", "Cost", "Note")
	for _, e := range estimates {
		table.Append(
			e.NodeID,
			fmt.Sprintf("%v", e.Fits),
			fmt.Sprintf("%v", e.Available),
			fmt.Sprintf("%.3f", e.Score),
			fmt.Sprintf("%.2f", e.Distance),
			fmt.Sprintf("%.4f", e.Cost.Total),
			orDash(e.Reason),
		)
	}
	table.Render()
	return nil
}
