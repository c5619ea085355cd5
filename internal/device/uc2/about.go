package uc2

import "github.com/JakeFAU/labnodes/internal/node"

// About implements node.Device.
func (d *Device) About() node.About {
	return node.About{
		Name:        d.cfg.Alias,
		Model:       "UC2 Microscope",
		Description: "Uc2 Microscope that can image a microscopic sample",
		Interface:   node.Interface,
		Version:     d.cfg.Version,
		Actions: []node.Action{
			{
				Name:        ActionHome,
				Description: "Homes one stage axis.",
				Args: []node.ActionArg{
					{Name: "axis", Description: "Axis to home.", Type: "str", Default: "X"},
				},
				Files: []node.ActionFile{},
			},
			{
				Name:        ActionMove,
				Description: "Moves one stage axis.",
				Args: []node.ActionArg{
					{Name: "axis", Description: "Axis to move.", Type: "str", Default: "X"},
					{Name: "position", Description: "Target position or distance.", Type: "float", Default: 0},
					{Name: "is_absolute", Description: "Whether position is absolute.", Type: "bool", Default: true},
				},
				Files: []node.ActionFile{},
			},
			{
				Name:        ActionIllumination,
				Description: "Changes the state of the microscope illumination",
				Args: []node.ActionArg{
					{Name: "intensity", Description: "Strength of the illumination.", Type: "int", Required: true, Default: 0},
				},
				Files: []node.ActionFile{},
			},
			{
				Name:        ActionScan,
				Description: "Starts a tile-based scan of the sample.",
				Args: []node.ActionArg{
					{Name: "numberTilesX", Type: "int", Default: 1},
					{Name: "numberTilesY", Type: "int", Default: 1},
					{Name: "stepSizeX", Type: "float", Default: 1},
					{Name: "stepSizeY", Type: "float", Default: 1},
					{Name: "initPosX", Type: "float", Default: 1},
					{Name: "initPosY", Type: "float", Default: 1},
					{Name: "nTimes", Type: "int", Default: 1},
					{Name: "tPeriod", Type: "float", Default: 1},
				},
				Files: []node.ActionFile{},
			},
			{
				Name:        ActionScanPoslist,
				Description: "Scans an nX by nY grid starting at the current stage position.",
				Args: []node.ActionArg{
					{Name: "nX", Type: "int", Default: 1},
					{Name: "nY", Type: "int", Default: 1},
					{Name: "distX", Type: "float", Default: 1},
					{Name: "distY", Type: "float", Default: 1},
				},
				Files: []node.ActionFile{},
			},
		},
		ResourcePools: []string{},
	}
}
