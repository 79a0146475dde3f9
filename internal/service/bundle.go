package service

import "github.com/basket/agentcore/internal/scheduler"

// Services groups one instance of every entity service over a shared store,
// bus and scheduler.
type Services struct {
	Agents    *AgentService
	Skills    *SkillService
	Tasks     *TaskService
	Tools     *ToolService
	Knowledge *KnowledgeService
	Orgs      *OrgService
	Vehicles  *VehicleService
	Scheduler *scheduler.Scheduler
}

func New(d Deps) *Services {
	if d.Scheduler == nil {
		d.Scheduler = scheduler.New(d.Store, scheduler.Options{Logger: d.Logger, Metrics: d.Metrics, Bus: d.Bus})
	}
	return &Services{
		Agents:    NewAgentService(d),
		Skills:    NewSkillService(d),
		Tasks:     NewTaskService(d),
		Tools:     NewToolService(d),
		Knowledge: NewKnowledgeService(d),
		Orgs:      NewOrgService(d),
		Vehicles:  NewVehicleService(d),
		Scheduler: d.Scheduler,
	}
}
