package pipeline

import (
	"fmt"
	"strings"
)

// MeshType is the mesh family the pipeline generates.
type MeshType string

const (
	MeshHexagon MeshType = "hexagon"
	MeshSquare  MeshType = "square"
	MeshLatLon  MeshType = "latlon"
	MeshMPAS    MeshType = "mpas"
	MeshDGGRID  MeshType = "dggrid"
	MeshTIN     MeshType = "tin"
)

// ParseMeshType validates a mesh type name.
func ParseMeshType(s string) (MeshType, error) {
	switch m := MeshType(strings.ToLower(strings.TrimSpace(s))); m {
	case MeshHexagon, MeshSquare, MeshLatLon, MeshMPAS, MeshDGGRID, MeshTIN:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown mesh type %q", ErrConfigurationInvalid, s)
	}
}

// UsesGridSystem reports whether the mesh resolution is a DGG level.
func (m MeshType) UsesGridSystem() bool {
	return m == MeshDGGRID
}

// WorkspaceName returns the directory name of a run workspace. It is unique
// per case, resolution and date.
func WorkspaceName(mesh MeshType, gridSystem string, resolutionIndex, caseIndex int, date string) string {
	if mesh.UsesGridSystem() {
		return fmt.Sprintf("%s_%s_r%02d_c%03d_%s", mesh, strings.ToLower(gridSystem), resolutionIndex, caseIndex, date)
	}
	return fmt.Sprintf("%s_c%03d_%s", mesh, caseIndex, date)
}
