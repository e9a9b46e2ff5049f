package app

import (
	"fmt"
	"strings"

	"campusai/pkg/domain"
)

const (
	personaInstruction = "Tu es un assistant d'études pour étudiants universitaires francophones. " +
		"Réponds de façon claire, structurée et pédagogique, en français. " +
		"Quand tu t'appuies sur un extrait fourni, cite sa référence entre crochets."

	antiFabricationInstruction = "N'invente jamais le contenu d'un document qui ne figure pas dans le contexte fourni. " +
		"Si les extraits fournis ne suffisent pas pour répondre, dis-le explicitement."

	noExtractedContentNote = "Aucun contenu extrait n'est disponible pour ce document."

	// hard ceiling on the raw-content fallback block
	rawContentCeiling = 6000
)

// AssembleInput carries everything the context assembler reads. The
// assembler is a pure function of this value: no clocks, no randomness,
// byte-identical output for identical input.
type AssembleInput struct {
	Profile   *domain.UserProfile
	Subject   *domain.SubjectContext
	Retrieval []domain.ScoredChunk
}

// assemble builds the system instruction block in its fixed composition
// order: persona, anti-fabrication directive, academic profile, active
// document pointer, then the retrieval block or its fallbacks. Prior
// turns are not part of the block; they travel as chat history.
func assemble(in AssembleInput) string {
	var sb strings.Builder
	sb.WriteString(personaInstruction)
	sb.WriteString("\n\n")
	sb.WriteString(antiFabricationInstruction)

	if p := in.Profile; p != nil {
		sb.WriteString("\n\nProfil de l'étudiant :\n")
		writeProfileFact(&sb, "Prénom", p.Prenom)
		writeProfileFact(&sb, "Nom", p.Nom)
		writeProfileFact(&sb, "Université", p.Universite)
		writeProfileFact(&sb, "Faculté", p.Faculte)
		writeProfileFact(&sb, "Niveau", p.Niveau)
		if len(p.Modules) > 0 {
			writeProfileFact(&sb, "Modules", strings.Join(p.Modules, ", "))
		}
	}

	if s := in.Subject; s != nil {
		sb.WriteString("\n\nDocument actuellement ouvert : ")
		if title := strings.TrimSpace(s.Title); title != "" {
			sb.WriteString(title)
			sb.WriteString(" ")
		}
		sb.WriteString("(" + s.ID + ")")
	}

	switch {
	case len(in.Retrieval) > 0:
		sb.WriteString("\n\nExtraits pertinents du corpus :\n")
		for _, sc := range in.Retrieval {
			sb.WriteString("\n")
			sb.WriteString(provenanceTag(sc.Chunk))
			sb.WriteString(" ")
			sb.WriteString(strings.TrimSpace(sc.Chunk.Content))
			sb.WriteString("\n")
		}
	case in.Subject != nil && strings.TrimSpace(in.Subject.Content) != "":
		sb.WriteString("\n\nContenu du document :\n")
		sb.WriteString(truncateRunes(strings.TrimSpace(in.Subject.Content), rawContentCeiling))
	case in.Subject != nil:
		sb.WriteString("\n\n")
		sb.WriteString(noExtractedContentNote)
	}

	return sb.String()
}

func writeProfileFact(sb *strings.Builder, label, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	sb.WriteString("- ")
	sb.WriteString(label)
	sb.WriteString(" : ")
	sb.WriteString(value)
	sb.WriteString("\n")
}

// provenanceTag renders enough origin metadata that the model can cite
// the chunk: owning corpus kind, owner id, and page/section when known.
func provenanceTag(c domain.Chunk) string {
	kind := corpusLabel(c.Owner.Kind)
	if loc := c.Location(); loc != "" {
		return fmt.Sprintf("[%s %s, %s]", kind, c.Owner.ID, loc)
	}
	return fmt.Sprintf("[%s %s]", kind, c.Owner.ID)
}

func corpusLabel(kind domain.OwnerKind) string {
	switch kind {
	case domain.OwnerSujet:
		return "sujet"
	case domain.OwnerLivre:
		return "livre"
	case domain.OwnerSource:
		return "source"
	}
	return "document"
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
