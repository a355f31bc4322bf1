package tuner

import (
	"fmt"
	"strings"
)

// MoleculeType tags sequence data as protein or nucleotide.
type MoleculeType string

const (
	Protein    MoleculeType = "prot"
	Nucleotide MoleculeType = "nucl"
)

// Program is a supported search program.
type Program string

const (
	BlastP     Program = "blastp"
	BlastN     Program = "blastn"
	BlastX     Program = "blastx"
	PsiBlast   Program = "psiblast"
	RpsBlast   Program = "rpsblast"
	RpsTBlastN Program = "rpstblastn"
	TBlastN    Program = "tblastn"
	TBlastX    Program = "tblastx"
)

var programs = map[Program]bool{
	BlastP: true, BlastN: true, BlastX: true, PsiBlast: true,
	RpsBlast: true, RpsTBlastN: true, TBlastN: true, TBlastX: true,
}

// ParseProgram normalizes and validates a program name.
func ParseProgram(s string) (Program, error) {
	p := Program(strings.ToLower(strings.TrimSpace(s)))
	if !programs[p] {
		return "", fmt.Errorf("invalid search program %q", s)
	}
	return p, nil
}

// DBMolType reports the molecule type of the database p searches.
func (p Program) DBMolType() MoleculeType {
	switch p {
	case BlastN, TBlastN, TBlastX:
		return Nucleotide
	}
	return Protein
}

// QueryMolType reports the molecule type of the queries p accepts.
func (p Program) QueryMolType() MoleculeType {
	switch p {
	case BlastN, BlastX, TBlastX, RpsTBlastN:
		return Nucleotide
	}
	return Protein
}
